package pipeline

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Classification keys recognized in small-model output.
const (
	tagSearchNeeded     = "SEARCH_NEEDED"
	tagSearchImage      = "SEARCH_IMAGE"
	tagSearchVideo      = "SEARCH_VIDEO"
	tagContentViolation = "CONTENT_VIOLATION"
	tagMath             = "MATH"
)

// QueryTags is the classifier's fixed-shape verdict on one user query.
// Keys absent from the model output keep their documented default.
type QueryTags struct {
	NeedsSearch      bool
	NeedsImage       bool
	NeedsVideo       bool
	ContentViolation bool
	HasMath          bool
}

// EnrichedQuery pairs the rewritten search query with its tags. It is
// produced once per turn and immutable afterwards.
type EnrichedQuery struct {
	SearchQuery string
	Tags        QueryTags
}

// ParseQueryTags parses a comma-separated KEY:VALUE list into QueryTags.
// Missing keys default to true for the search family and false for
// violation and math. Any value other than YES reads as NO. A non-empty
// entry without a colon is a hard error; a well-formed entry with an
// unrecognized key is logged and skipped.
func ParseQueryTags(raw string, logger *zap.Logger) (QueryTags, error) {
	tags := QueryTags{NeedsSearch: true, NeedsImage: true, NeedsVideo: true}

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, value, ok := strings.Cut(entry, ":")
		if !ok {
			return QueryTags{}, fmt.Errorf("malformed classification entry %q", entry)
		}
		yes := strings.TrimSpace(value) == "YES"
		switch strings.TrimSpace(key) {
		case tagSearchNeeded:
			tags.NeedsSearch = yes
		case tagSearchImage:
			tags.NeedsImage = yes
		case tagSearchVideo:
			tags.NeedsVideo = yes
		case tagContentViolation:
			tags.ContentViolation = yes
		case tagMath:
			tags.HasMath = yes
		default:
			logger.Warn("ignoring unrecognized classification key", zap.String("key", key))
		}
	}
	return tags, nil
}
