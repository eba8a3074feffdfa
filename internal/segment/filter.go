package segment

import "github.com/arkiliandb/eventcore/internal/bloom"

// BuildStreamFilter returns a serialised Bloom filter over the given set of
// stream ids, sized for the batch. A nil/empty input yields a nil filter —
// callers should treat a nil trailer.StreamFilter as "no hint, always scan".
func BuildStreamFilter(streamIDs []string) []byte {
	if len(streamIDs) == 0 {
		return nil
	}
	bf := bloom.NewWithEstimates(len(streamIDs), 0.01)
	for _, id := range streamIDs {
		bf.Add([]byte(id))
	}
	data, err := bf.Serialize()
	if err != nil {
		return nil
	}
	return data
}

// MightContainStream reports whether a serialised stream filter might
// contain streamID. A nil filter always returns true (no hint available,
// so the caller must scan).
func MightContainStream(filter []byte, streamID string) bool {
	if len(filter) == 0 {
		return true
	}
	bf, err := bloom.Deserialize(filter)
	if err != nil {
		return true
	}
	return bf.Contains([]byte(streamID))
}
