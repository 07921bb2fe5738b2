package domain

import (
	"path"
	"strings"
)

// Matches reports whether the given delivery triggers this definition.
func (self Definition) Matches(delivery Delivery) bool {
	switch delivery.Event {
	case EventTypePush:
		switch delivery.RefType {
		case RefTypeBranch:
			if self.On.Push == nil {
				return false
			}
			return matchBranch(self.On.Push.Branches, delivery.ShortRef()) &&
				matchPaths(self.On.Push.Paths, delivery.Paths)
		case RefTypeTag:
			// Path filters do not apply to tag pushes.
			return matchTag(self.On.Tags, delivery.ShortRef())
		}
	case EventTypePullRequest:
		if self.On.PullRequest == nil {
			return false
		}
		return matchPaths(self.On.PullRequest.Paths, delivery.Paths)
	}
	return false
}

// Publishable reports whether steps marked as publish steps
// may run for the given delivery. Only tag pushes qualify.
func (self Definition) Publishable(delivery Delivery) bool {
	return delivery.Event == EventTypePush && delivery.RefType == RefTypeTag
}

func matchBranch(patterns []string, branch string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, branch); err == nil && ok {
			return true
		}
	}
	return false
}

// matchTag matches the tag against each pattern segment-wise:
// "*.*.*" matches "2.0.1" but neither "2.0" nor "v2.0.1.0".
func matchTag(patterns []string, tag string) bool {
	tagParts := strings.Split(tag, ".")
patterns:
	for _, pattern := range patterns {
		patternParts := strings.Split(pattern, ".")
		if len(patternParts) != len(tagParts) {
			continue
		}
		for i, patternPart := range patternParts {
			if ok, err := path.Match(patternPart, tagParts[i]); err != nil || !ok {
				continue patterns
			}
		}
		return true
	}
	return false
}

// matchPaths reports whether a changed path falls under one of the
// given path prefixes. No prefixes means no path filter.
func matchPaths(prefixes, changed []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, prefix := range prefixes {
		for _, changedPath := range changed {
			if strings.HasPrefix(changedPath, prefix) {
				return true
			}
		}
	}
	return false
}
