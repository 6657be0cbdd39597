// Package regime classifies published evidence into market regime stages
// and records stage shifts and rolling stage statistics in the audit log.
//
// The records are read-only evidence: nothing here feeds back into gates
// or scores.
package regime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Stage is a market regime stage. S1 is the calmest, S5 the most stressed.
type Stage string

const (
	StageUnknown Stage = "UNKNOWN"
	StageS1      Stage = "S1"
	StageS2      Stage = "S2"
	StageS3      Stage = "S3"
	StageS4      Stage = "S4"
	StageS5      Stage = "S5"
)

// Rank orders stages by stress; UNKNOWN ranks lowest.
func (s Stage) Rank() int {
	switch s {
	case StageS1:
		return 1
	case StageS2:
		return 2
	case StageS3:
		return 3
	case StageS4:
		return 4
	case StageS5:
		return 5
	}
	return 0
}

// Signals are the evidence fields a stage is derived from. Nil means the
// field was absent or not usable.
type Signals struct {
	DRS         *string
	Trend       *string
	AmountRatio *float64
	AdvRatio    *float64
}

// Fields renders s for audit notes; absent signals are null.
func (s Signals) Fields() map[string]any {
	return map[string]any{
		"drs":          derefString(s.DRS),
		"trend":        derefString(s.Trend),
		"amount_ratio": derefFloat(s.AmountRatio),
		"adv_ratio":    derefFloat(s.AdvRatio),
	}
}

// Classify derives the stage of one evidence payload.
func Classify(payload map[string]any) (Stage, Signals) {
	var sig Signals
	if drs, ok := dig(payload, "governance", "drs").(string); ok {
		u := strings.ToUpper(strings.TrimSpace(drs))
		sig.DRS = &u
	}
	if trend, ok := dig(payload, "structure", "trend_in_force", "state").(string); ok {
		sig.Trend = &trend
	}
	sig.AmountRatio = asFloat(dig(payload, "structure", "amount", "evidence", "amount_ratio"))
	sig.AdvRatio = asFloat(dig(payload, "structure", "crowding_concentration", "evidence", "adv_ratio"))
	return detect(sig), sig
}

func detect(sig Signals) Stage {
	if sig.Trend == nil || *sig.Trend == "" || sig.DRS == nil {
		return StageUnknown
	}
	trend := strings.ToLower(strings.TrimSpace(*sig.Trend))
	drs := *sig.DRS
	adv, amt := 0.0, 0.0
	if sig.AdvRatio != nil {
		adv = *sig.AdvRatio
	}
	if sig.AmountRatio != nil {
		amt = *sig.AmountRatio
	}

	switch {
	case trend == "intact" && drs != "RED" && adv >= 0.55 && amt >= 0.9:
		return StageS1
	case trend == "intact" && drs == "YELLOW":
		return StageS2
	case trend == "mixed" && amt < 0.9:
		return StageS3
	case trend == "broken" && drs != "RED":
		return StageS4
	case trend == "broken" && drs == "RED":
		return StageS5
	}
	return StageUnknown
}

// Shift describes a stage change between two consecutive days.
type Shift struct {
	Type     string // RISK_ESCALATION or RISK_EASING
	Severity string // HIGH, MED or LOW
	Reason   []string
}

// DescribeShift explains the move from prev to cur.
func DescribeShift(prev, cur Stage, prevSig, curSig Signals) Shift {
	s := Shift{Type: "RISK_EASING", Reason: []string{}}
	if cur.Rank() > prev.Rank() {
		s.Type = "RISK_ESCALATION"
	}

	switch {
	case cur == StageS5:
		s.Severity = "HIGH"
	case cur == StageS4, s.Type == "RISK_ESCALATION":
		s.Severity = "MED"
	default:
		s.Severity = "LOW"
	}

	if a, b := derefString(prevSig.DRS), derefString(curSig.DRS); a != b {
		s.Reason = append(s.Reason, fmt.Sprintf("drs:%s→%s", show(a), show(b)))
	}
	if a, b := derefString(prevSig.Trend), derefString(curSig.Trend); a != b {
		s.Reason = append(s.Reason, fmt.Sprintf("trend:%s→%s", show(a), show(b)))
	}
	if curSig.AmountRatio != nil {
		s.Reason = append(s.Reason, fmt.Sprintf("amount_ratio:%.3f", *curSig.AmountRatio))
	}
	if curSig.AdvRatio != nil {
		s.Reason = append(s.Reason, fmt.Sprintf("adv_ratio:%.3f", *curSig.AdvRatio))
	}
	return s
}

func dig(m map[string]any, path ...string) any {
	var cur any = m
	for _, k := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[k]
	}
	return cur
}

func asFloat(v any) *float64 {
	var (
		f   float64
		err error
	)
	switch n := v.(type) {
	case json.Number:
		f, err = n.Float64()
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return nil
	}
	if err != nil {
		return nil
	}
	return &f
}

func derefString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func derefFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func show(v any) string {
	if v == nil {
		return "None"
	}
	return fmt.Sprint(v)
}
