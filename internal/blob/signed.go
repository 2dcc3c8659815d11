package blob

import (
	"errors"
	"net/url"
	"strconv"
	"time"
)

// AmzDateFormat is the SigV4 X-Amz-Date layout.
const AmzDateFormat = "20060102T150405Z"

// ExpiryFromURL reads the expiry encoded in a SigV4 presigned URL. It is a
// diagnostic; the store itself enforces expiry.
func ExpiryFromURL(raw string) (time.Time, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return time.Time{}, err
	}
	q := u.Query()
	date, expires := q.Get("X-Amz-Date"), q.Get("X-Amz-Expires")
	if date == "" || expires == "" {
		return time.Time{}, errors.New("url carries no X-Amz-Date/X-Amz-Expires")
	}
	signedAt, err := time.Parse(AmzDateFormat, date)
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.Atoi(expires)
	if err != nil {
		return time.Time{}, err
	}
	return signedAt.Add(time.Duration(secs) * time.Second), nil
}
