package audit

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// AnomalyKind classifies a verification failure.
type AnomalyKind string

const (
	// AnomalyMalformed: the line is not a decodable record.
	AnomalyMalformed AnomalyKind = "malformed"
	// AnomalyChainBreak: prev_signature does not match the predecessor's
	// signature. Points at a deleted, inserted or reordered line.
	AnomalyChainBreak AnomalyKind = "chain_break"
	// AnomalySignatureMismatch: the recomputed signature differs from the
	// stored one. Points at an edited line.
	AnomalySignatureMismatch AnomalyKind = "signature_mismatch"
)

// Anomaly is one problem found at a physical line of a sink.
type Anomaly struct {
	Line   int         `json:"line"`
	Kind   AnomalyKind `json:"kind"`
	Detail string      `json:"detail,omitempty"`
}

// Report is the outcome of verifying one sink.
type Report struct {
	Path      string    `json:"path,omitempty"`
	Lines     int       `json:"lines"`
	Records   int       `json:"records"`
	Anomalies []Anomaly `json:"anomalies,omitempty"`
	// LastSignature is the claimed signature of the last parsed record,
	// i.e. the value a writer would continue the chain from.
	LastSignature string `json:"last_signature,omitempty"`
}

// OK reports whether no line raised an anomaly.
func (r Report) OK() bool { return len(r.Anomalies) == 0 }

// FirstBreak returns the line of the first anomaly, if any.
func (r Report) FirstBreak() (int, bool) {
	if len(r.Anomalies) == 0 {
		return 0, false
	}
	return r.Anomalies[0].Line, true
}

// Verifier replays persisted chains. It needs nothing but the sink
// contents and the shared secret.
type Verifier struct {
	secret  []byte
	genesis string
}

// NewVerifier returns a Verifier for chains signed with secret.
func NewVerifier(secret []byte) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	return &Verifier{secret: secret, genesis: Genesis}, nil
}

// VerifyFile verifies the sink at path.
func (v *Verifier) VerifyFile(path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{Path: path}, err
	}
	defer f.Close()

	rep, err := v.Verify(f)
	rep.Path = path
	return rep, err
}

// Verify scans every line of r in order. It never stops at the first
// problem: each line is checked independently and the walk continues
// from the record's own claimed signature, so later anomalies are still
// attributed to the right line. Blank lines are skipped but counted.
// The returned error covers read failures only; tampering is reported in
// the Report.
func (v *Verifier) Verify(r io.Reader) (Report, error) {
	var rep Report
	expectedPrev := v.genesis

	err := scanLines(r, func(n int, line []byte, lerr error) {
		rep.Lines = n
		if lerr != nil {
			rep.Anomalies = append(rep.Anomalies, Anomaly{
				Line:   n,
				Kind:   AnomalyMalformed,
				Detail: fmt.Sprintf("line longer than %d bytes", MaxRecordSize),
			})
			return
		}
		if len(bytes.TrimSpace(line)) == 0 {
			return
		}

		rec, err := ParseRecord(line)
		if err != nil {
			rep.Anomalies = append(rep.Anomalies, Anomaly{
				Line:   n,
				Kind:   AnomalyMalformed,
				Detail: err.Error(),
			})
			return
		}
		rep.Records++

		if rec.PrevSignature != expectedPrev {
			rep.Anomalies = append(rep.Anomalies, Anomaly{
				Line:   n,
				Kind:   AnomalyChainBreak,
				Detail: fmt.Sprintf("prev_signature %s, predecessor signed %s", short(rec.PrevSignature), short(expectedPrev)),
			})
		}

		if !verifyRecord(v.secret, &rec) {
			rep.Anomalies = append(rep.Anomalies, Anomaly{
				Line:   n,
				Kind:   AnomalySignatureMismatch,
				Detail: fmt.Sprintf("stored %s, computed %s", short(rec.Signature), short(signRecord(v.secret, &rec))),
			})
		}

		expectedPrev = rec.Signature
		rep.LastSignature = rec.Signature
	})
	return rep, err
}

// short abbreviates a signature for diagnostics.
func short(sig string) string {
	if len(sig) <= 16 {
		return sig
	}
	return sig[:16] + "..."
}

// String renders the anomaly as one line of verifier output.
func (a Anomaly) String() string {
	switch a.Kind {
	case AnomalyMalformed:
		return fmt.Sprintf("[LINE %d] MALFORMED RECORD: %s", a.Line, a.Detail)
	case AnomalyChainBreak:
		return fmt.Sprintf("[LINE %d] CHAIN BROKEN: prev_signature does not match its predecessor (%s)", a.Line, a.Detail)
	case AnomalySignatureMismatch:
		return fmt.Sprintf("[LINE %d] DATA TAMPERED: signature is invalid (%s)", a.Line, a.Detail)
	default:
		return fmt.Sprintf("[LINE %d] %s: %s", a.Line, a.Kind, a.Detail)
	}
}
