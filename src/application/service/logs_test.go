package service

import (
	"testing"
	"time"

	"github.com/grafana/loki/pkg/loghttp"
	"github.com/stretchr/testify/assert"
)

func TestRunLogFromStream(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	stream := loghttp.Stream{
		Labels: loghttp.LabelSet{
			"conveyor_step":   "test",
			"conveyor_source": "stdout",
		},
		Entries: []loghttp.Entry{
			{Timestamp: now, Line: "plain line"},
			{Timestamp: now.Add(time.Second), Line: "\x1b[32mgreen\x1b[0m"},
			{Timestamp: now.Add(2 * time.Second), Line: "progress 1\rprogress 2"},
		},
	}

	log := RunLog{}
	log.FromStream(stream, "conveyor_source")

	if assert.Len(t, log, 4) {
		assert.Equal(t, "plain line", log[0].Text)
		assert.Equal(t, "stdout", log[0].Source)
		assert.Equal(t, "green", log[1].Text)
		assert.Equal(t, "progress 1", log[2].Text)
		assert.Equal(t, "progress 2", log[3].Text)
	}
}

func TestRunLogFromStreamWithoutSourceLabel(t *testing.T) {
	t.Parallel()

	stream := loghttp.Stream{
		Labels:  loghttp.LabelSet{"unrelated": "label"},
		Entries: []loghttp.Entry{{Timestamp: time.Now(), Line: "dropped"}},
	}

	log := RunLog{}
	log.FromStream(stream, "conveyor_source")

	assert.Empty(t, log)
}

func TestRunLogSortDeduplicate(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	log := RunLog{
		{Time: now.Add(time.Second), Source: "stdout", Text: "second"},
		{Time: now, Source: "stdout", Text: "first"},
		{Time: now, Source: "stdout", Text: "first"},
	}

	log.Sort()
	log.Deduplicate()

	if assert.Len(t, log, 2) {
		assert.Equal(t, "first", log[0].Text)
		assert.Equal(t, "second", log[1].Text)
	}
}
