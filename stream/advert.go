package stream

import (
	"time"

	"github.com/intheon/stream-viewer/errors"
)

// DataSubjectPrefix is the NATS subject root for chunk transport. Each
// outlet publishes to DataSubject(uid) and each source subscribes to it.
const DataSubjectPrefix = "streams.data."

// DataSubject returns the chunk subject for a stream UID.
func DataSubject(uid string) string {
	return DataSubjectPrefix + uid
}

// Advert is the discovery record an outlet writes to the advertisement
// bucket, one key per stream UID. AdvertisedAt is refreshed by the outlet's
// heartbeat; the bucket TTL reaps entries whose outlet stopped writing.
type Advert struct {
	Descriptor   Descriptor `json:"descriptor"`
	Subject      string     `json:"subject"`
	AdvertisedAt time.Time  `json:"advertised_at"`
}

// Validate checks the advert is complete enough to resolve into a row.
func (a Advert) Validate() error {
	if err := a.Descriptor.Validate(); err != nil {
		return err
	}
	if a.Subject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Advert", "Validate",
			"missing data subject")
	}
	return nil
}
