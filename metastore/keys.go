package metastore

// Key schema of the curator metadata store.  The watermark key holds the
// highest group id ever observed, encoded as a decimal string; couple
// metadata records live under the couple prefix keyed by canonical id.
const (
	MaxGroupKey      = "/curator/max_group"
	CoupleMetaPrefix = "/curator/couples/"
)

// CoupleMetaKey builds the metadata-store key for a couple's record from
// its canonical id.
func CoupleMetaKey(coupleKey string) string {
	return CoupleMetaPrefix + coupleKey
}
