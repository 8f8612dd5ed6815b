// Package common contains shared constants and sentinel errors used across
// docuvert components.
package common

// JobKeyPrefix is prepended to a conversion id to build the stable queue
// job key, making resubmission of the same conversion idempotent.
const JobKeyPrefix = "conversion:"
