package storage

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// PartTag returns the tag S3-compatible stores report for a single part: the
// hex MD5 of its content.
func PartTag(body []byte) string {
	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:])
}

// MultipartDigest composes the digest a store reports for an object assembled
// from parts with the given MD5 sums: md5(sum1 || sum2 || ...) followed by
// the part count.
func MultipartDigest(partSums [][]byte) string {
	h := md5.New()
	for _, sum := range partSums {
		h.Write(sum)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(partSums))
}

// NormalizeDigest strips the quotes stores put around ETags.
func NormalizeDigest(etag string) string {
	return strings.ToLower(strings.Trim(etag, `"`))
}
