// Package fraud derives a trust assessment from a normalized device record.
package fraud

import (
	"fmt"
	"strings"

	"github.com/akl7777777/imei-intel/internal/model"
)

// Kind is the stable tag of a triggered rule. Display text and decoration are
// derived from it and never parsed back.
type Kind string

const (
	KindBlacklisted      Kind = "blacklisted"
	KindActivationLockOn Kind = "activation_lock_on"
	KindFindMyOn         Kind = "find_my_on"
	KindMDMDetected      Kind = "mdm_detected"
	KindCarrierLocked    Kind = "carrier_locked"
	KindDeviceReplaced   Kind = "device_replaced"
	KindRefurbished      Kind = "refurbished"
)

// Severity grades a rule for presentation.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityMinor    Severity = "minor"
)

// Thresholds for the overall status.
const (
	WarningThreshold = 15
	FlaggedThreshold = 40
	MaxScore         = 100
)

type rule struct {
	kind     Kind
	weight   int
	severity Severity
	text     string
	badge    string
	match    func(rec *model.NormalizedRecord) bool
}

// rules are evaluated in this order and flags are reported in it.
var rules = []rule{
	{
		kind: KindBlacklisted, weight: 50, severity: SeverityCritical,
		text: "Blacklisted", badge: "🚫",
		match: func(r *model.NormalizedRecord) bool { return r.Security.Blacklist == model.BlacklistBlacklisted },
	},
	{
		kind: KindActivationLockOn, weight: 35, severity: SeverityHigh,
		text: "Activation Lock ON", badge: "🔒",
		match: func(r *model.NormalizedRecord) bool { return r.Security.ActivationLock == model.On },
	},
	{
		// Find My is the same underlying risk as activation lock; only count it
		// when the lock itself was not reported on.
		kind: KindFindMyOn, weight: 10, severity: SeverityMedium,
		text: "Find My ON", badge: "📍",
		match: func(r *model.NormalizedRecord) bool {
			return r.Security.FindMy == model.On && r.Security.ActivationLock != model.On
		},
	},
	{
		kind: KindMDMDetected, weight: 25, severity: SeverityHigh,
		text: "MDM profile detected", badge: "🏢",
		match: func(r *model.NormalizedRecord) bool { return r.Security.MDM == model.On },
	},
	{
		kind: KindCarrierLocked, weight: 5, severity: SeverityMinor,
		text: "Carrier locked", badge: "📶",
		match: func(r *model.NormalizedRecord) bool { return r.Network.SimLock == model.SimLocked },
	},
	{
		kind: KindDeviceReplaced, weight: 10, severity: SeverityMedium,
		text: "Device replaced", badge: "🔄",
		match: func(r *model.NormalizedRecord) bool { return isTrue(r.Security.Replaced) },
	},
	{
		kind: KindRefurbished, weight: 5, severity: SeverityMinor,
		text: "Refurbished", badge: "♻️",
		match: func(r *model.NormalizedRecord) bool { return isTrue(r.Security.Refurbished) },
	},
}

var byKind = func() map[Kind]rule {
	m := make(map[Kind]rule, len(rules))
	for _, r := range rules {
		m[r.kind] = r
	}
	return m
}()

// Text is the plain display text for a flag.
func (k Kind) Text() string {
	if r, ok := byKind[k]; ok {
		return r.text
	}
	return string(k)
}

// Badge is a presentation decoration for a flag. It is never part of an
// assessment.
func (k Kind) Badge() string {
	return byKind[k].badge
}

// Severity reports how serious a flag is.
func (k Kind) Severity() Severity {
	return byKind[k].severity
}

// Weight is the score contribution of a flag.
func (k Kind) Weight() int {
	return byKind[k].weight
}

// Score computes the fraud assessment for rec. It is a pure function.
func Score(rec model.NormalizedRecord) model.FraudAssessment {
	score := 0
	flags := make([]string, 0, len(rules))
	kinds := make([]string, 0, len(rules))

	for _, r := range rules {
		if !r.match(&rec) {
			continue
		}
		score += r.weight
		flags = append(flags, r.text)
		kinds = append(kinds, string(r.kind))
	}
	if score > MaxScore {
		score = MaxScore
	}

	trust := MaxScore - score
	if trust < 0 {
		trust = 0
	}

	status := statusFor(score)
	return model.FraudAssessment{
		FraudScore:    score,
		TrustScore:    trust,
		Flags:         flags,
		FlagKinds:     kinds,
		OverallStatus: status,
		Summary:       summarize(rec, flags, status),
	}
}

func statusFor(score int) model.OverallStatus {
	switch {
	case score >= FlaggedThreshold:
		return model.StatusFlagged
	case score >= WarningThreshold:
		return model.StatusWarning
	default:
		return model.StatusClean
	}
}

func summarize(rec model.NormalizedRecord, flags []string, status model.OverallStatus) string {
	if len(flags) == 0 {
		return fmt.Sprintf("Device appears clean: Blacklist %s, Find My %s, Activation Lock %s, MDM %s, SIM %s.",
			rec.Security.Blacklist, rec.Security.FindMy, rec.Security.ActivationLock,
			rec.Security.MDM, rec.Network.SimLock)
	}

	noun := "issue"
	if len(flags) > 1 {
		noun = "issues"
	}
	advice := "Proceed with caution."
	switch status {
	case model.StatusFlagged:
		advice = "Not recommended for purchase."
	case model.StatusClean:
		advice = "Minor notes only."
	}
	return fmt.Sprintf("%d %s found: %s. %s", len(flags), noun, strings.Join(flags, ", "), advice)
}

// Decorate prefixes each flag of a with its badge for display.
func Decorate(a model.FraudAssessment) []string {
	out := make([]string, len(a.FlagKinds))
	for i, k := range a.FlagKinds {
		kind := Kind(k)
		if b := kind.Badge(); b != "" {
			out[i] = b + " " + kind.Text()
			continue
		}
		out[i] = kind.Text()
	}
	return out
}

func isTrue(b *bool) bool {
	return b != nil && *b
}
