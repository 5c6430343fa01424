package decision

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tradeloop/internal/pkg/jsonutil"
	"tradeloop/internal/pkg/symbol"
	"tradeloop/internal/types"

	"github.com/tidwall/gjson"
)

// ErrInvalidPayload marks a reply that failed validation. It is never
// coerced; the stage fails.
var ErrInvalidPayload = errors.New("invalid decision payload")

func invalid(kind Kind, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidPayload, kind, fmt.Sprintf(format, args...))
}

// decode runs the structural pass (gjson), the schema pass and finally the
// typed decode into out.
func decode(kind Kind, raw []byte, out any) error {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return invalid(kind, "empty reply")
	}
	if !gjson.Valid(text) {
		extracted, ok := jsonutil.ExtractObject(text)
		if !ok || !gjson.Valid(extracted) {
			return invalid(kind, "reply is not valid json")
		}
		text = extracted
	}
	root := gjson.Parse(text)
	if !root.IsObject() {
		return invalid(kind, "root must be an object")
	}

	all, err := compiledSchemas()
	if err != nil {
		return err
	}
	schema, ok := all[kind]
	if !ok {
		return fmt.Errorf("no schema registered for %s", kind)
	}
	var doc any
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return invalid(kind, "decode: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return invalid(kind, "schema: %v", err)
	}

	typed := json.NewDecoder(bytes.NewReader([]byte(text)))
	if err := typed.Decode(out); err != nil {
		return invalid(kind, "typed decode: %v", err)
	}
	return nil
}

func ParseOpportunity(raw []byte) (Opportunity, error) {
	var out Opportunity
	if err := decode(KindOpportunity, raw, &out); err != nil {
		return Opportunity{}, err
	}
	out.Action = normalizeAction(out.Action)
	out.SourceID = strings.TrimSpace(out.SourceID)
	if out.Symbol != "" {
		out.Symbol = symbol.Normalize(out.Symbol)
	}
	// MANAGE 也必须指明要管理的持仓
	if out.Symbol == "" {
		return Opportunity{}, invalid(KindOpportunity, "%s requires a symbol", out.Action)
	}
	return out, nil
}

func ParseDeepAnalysis(raw []byte) (DeepAnalysis, error) {
	var out DeepAnalysis
	if err := decode(KindAnalysis, raw, &out); err != nil {
		return DeepAnalysis{}, err
	}
	out.Recommendation = normalizeAction(out.Recommendation)
	if side, ok := out.Recommendation.Side(); ok {
		if err := checkTargetsAroundEachOther(side == types.SideLong, out.PriceTarget); err != nil {
			return DeepAnalysis{}, invalid(KindAnalysis, "%v", err)
		}
		if out.PositionSize <= 0 {
			return DeepAnalysis{}, invalid(KindAnalysis, "position_size must be positive for %s", out.Recommendation)
		}
	}
	return out, nil
}

// checkTargetsAroundEachOther only checks relative order; placement around
// the live price is the execution layer's job.
func checkTargetsAroundEachOther(long bool, pt PriceTarget) error {
	if long && pt.Take <= pt.Stop {
		return fmt.Errorf("LONG take %.8g must be above stop %.8g", pt.Take, pt.Stop)
	}
	if !long && pt.Take >= pt.Stop {
		return fmt.Errorf("SHORT take %.8g must be below stop %.8g", pt.Take, pt.Stop)
	}
	return nil
}

func ParseRiskVerdict(raw []byte) (RiskVerdict, error) {
	var out RiskVerdict
	if err := decode(KindRiskVerdict, raw, &out); err != nil {
		return RiskVerdict{}, err
	}
	if !out.Approved && strings.TrimSpace(out.VetoReason) == "" {
		return RiskVerdict{}, invalid(KindRiskVerdict, "veto requires veto_reason")
	}
	if out.Adjustments.Empty() {
		out.Adjustments = nil
	}
	return out, nil
}

func ParseManagementDirective(raw []byte) (ManagementDirective, error) {
	var out ManagementDirective
	if err := decode(KindManagement, raw, &out); err != nil {
		return ManagementDirective{}, err
	}
	switch out.ManageType {
	case ManagePartialClose:
		if out.ClosePercent <= 0 || out.ClosePercent >= 100 {
			return ManagementDirective{}, invalid(KindManagement, "PARTIAL_CLOSE needs close_percent in (0,100)")
		}
	case ManageAdjustStop:
		if out.NewStopLoss <= 0 {
			return ManagementDirective{}, invalid(KindManagement, "ADJUST_STOP needs new_stop_loss")
		}
	case ManageAdjustTakeProfit:
		if out.NewTakeProfit <= 0 {
			return ManagementDirective{}, invalid(KindManagement, "ADJUST_TAKE_PROFIT needs new_take_profit")
		}
	case ManageAddMargin:
		if out.MarginAmount <= 0 {
			return ManagementDirective{}, invalid(KindManagement, "ADD_MARGIN needs margin_amount")
		}
	}
	return out, nil
}
