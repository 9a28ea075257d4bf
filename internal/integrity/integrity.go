// Package integrity verifies version-log well-formedness. A healthy log
// for one entity on one branch partitions the world-time axis: every
// record's payload decodes and hashes to its stored checksum, adjacent
// intervals meet exactly, and only the newest record is open. All
// functions are pure; callers fetch the records and decide what to do
// with the findings.
package integrity

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/loreweave/chronicle/internal/codec"
	"github.com/loreweave/chronicle/internal/model"
)

// Kind classifies a defect found in a version log.
type Kind string

const (
	// KindCorruptPayload marks a record whose payload no longer decodes.
	KindCorruptPayload Kind = "CORRUPT_PAYLOAD"
	// KindChecksumMismatch marks a record whose decoded payload hashes to
	// something other than the stored checksum.
	KindChecksumMismatch Kind = "CHECKSUM_MISMATCH"
	// KindBrokenChain marks two adjacent records whose intervals do not
	// meet: the earlier one closes before or after the later one begins.
	KindBrokenChain Kind = "BROKEN_CHAIN"
	// KindBadTail marks an open record anywhere but the end of the log, or
	// a log whose last record is closed.
	KindBadTail Kind = "BAD_TAIL"
)

// Finding is one defect located in a version log.
type Finding struct {
	Kind      Kind      `json:"kind"`
	VersionID uuid.UUID `json:"version_id"`
	Version   int       `json:"version"`
	Detail    string    `json:"detail"`
}

// Report summarizes one verification pass over one entity's log on one
// branch. Digest fingerprints the log independently of the findings:
// two replicas holding the same records produce the same digest.
type Report struct {
	EntityType model.EntityType `json:"entity_type"`
	EntityID   uuid.UUID        `json:"entity_id"`
	BranchID   uuid.UUID        `json:"branch_id"`
	Checked    int              `json:"checked"`
	Digest     string           `json:"digest,omitempty"`
	Findings   []Finding        `json:"findings,omitempty"`
}

// Clean reports whether the pass found nothing wrong.
func (r *Report) Clean() bool { return len(r.Findings) == 0 }

// VerifyRecord checks one record in isolation: the payload must decode,
// and the canonical checksum of what it holds must equal the stored
// column. At most one finding comes back; a payload that cannot be read
// cannot be hashed.
func VerifyRecord(rec *model.VersionRecord) []Finding {
	snap, err := codec.Decode(rec.PayloadGz)
	if err != nil {
		return []Finding{{
			Kind:      KindCorruptPayload,
			VersionID: rec.ID,
			Version:   rec.Version,
			Detail:    err.Error(),
		}}
	}
	sum, err := codec.Checksum(snap)
	if err != nil {
		return []Finding{{
			Kind:      KindCorruptPayload,
			VersionID: rec.ID,
			Version:   rec.Version,
			Detail:    err.Error(),
		}}
	}
	if sum != rec.Checksum {
		return []Finding{{
			Kind:      KindChecksumMismatch,
			VersionID: rec.ID,
			Version:   rec.Version,
			Detail:    fmt.Sprintf("stored %.12s… recomputed %.12s…", rec.Checksum, sum),
		}}
	}
	return nil
}

// VerifyLog checks one entity's records on one branch. Records must be
// ordered oldest first by validFrom, then by version; that is append
// order, since the log never rewinds. Beyond the per-record payload
// checks it verifies the interval chain: every record but the last must
// close at exactly its successor's validFrom, and only the last may be
// open. An empty slice yields an empty clean report.
func VerifyLog(entityType model.EntityType, entityID, branchID uuid.UUID, records []*model.VersionRecord) *Report {
	report := &Report{
		EntityType: entityType,
		EntityID:   entityID,
		BranchID:   branchID,
		Checked:    len(records),
		Digest:     LogDigest(records),
	}
	for i, rec := range records {
		report.Findings = append(report.Findings, VerifyRecord(rec)...)

		if i == len(records)-1 {
			if rec.ValidTo != nil {
				report.Findings = append(report.Findings, Finding{
					Kind:      KindBadTail,
					VersionID: rec.ID,
					Version:   rec.Version,
					Detail:    fmt.Sprintf("log ends closed at %s", stamp(*rec.ValidTo)),
				})
			}
			continue
		}

		next := records[i+1]
		switch {
		case rec.ValidTo == nil:
			report.Findings = append(report.Findings, Finding{
				Kind:      KindBadTail,
				VersionID: rec.ID,
				Version:   rec.Version,
				Detail:    fmt.Sprintf("open record shadowed by version %d", next.Version),
			})
		case !rec.ValidTo.Equal(next.ValidFrom):
			report.Findings = append(report.Findings, Finding{
				Kind:      KindBrokenChain,
				VersionID: rec.ID,
				Version:   rec.Version,
				Detail: fmt.Sprintf("closes at %s but version %d begins at %s",
					stamp(*rec.ValidTo), next.Version, stamp(next.ValidFrom)),
			})
		}
	}
	return report
}

// LogDigest fingerprints a log as the BLAKE2b-256 hex of its records'
// stored checksums in order. It hashes what the rows claim, not what the
// payloads hold, so two stores agreeing on the digest may still each be
// asked to verify payloads. Empty input yields an empty string.
func LogDigest(records []*model.VersionRecord) string {
	if len(records) == 0 {
		return ""
	}
	h, _ := blake2b.New256(nil)
	for _, rec := range records {
		h.Write([]byte(rec.Checksum))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
