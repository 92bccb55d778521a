package issuance

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/teresa-solution/voucher-issuance-service/internal/model"
)

// ruleEnv declares the variables a form rule may reference.
var ruleEnv = map[string]any{
	"voucher_type":       "",
	"household_adults":   0,
	"household_children": 0,
	"household_size":     0,
	"age_years":          0,
}

var programs sync.Map // expression -> *vm.Program

func compileRule(expression string) (*vm.Program, error) {
	if p, ok := programs.Load(expression); ok {
		return p.(*vm.Program), nil
	}
	p, err := expr.Compile(expression, expr.Env(ruleEnv), expr.AsBool())
	if err != nil {
		return nil, err
	}
	programs.Store(expression, p)
	return p, nil
}

// ValidateRules compiles every rule of a form config.
func ValidateRules(rules []model.FormRule) error {
	var errs []error
	for i, r := range rules {
		if strings.TrimSpace(r.Name) == "" {
			errs = append(errs, fmt.Errorf("rule %d: name is required", i))
			continue
		}
		if _, err := compileRule(r.Expr); err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
		}
	}
	return errors.Join(errs...)
}

// RuleInput is the household data a rule is evaluated against.
type RuleInput struct {
	VoucherType       string
	HouseholdAdults   int
	HouseholdChildren int
	DateOfBirth       time.Time
	Now               time.Time
}

func (in RuleInput) env() map[string]any {
	return map[string]any{
		"voucher_type":       in.VoucherType,
		"household_adults":   in.HouseholdAdults,
		"household_children": in.HouseholdChildren,
		"household_size":     in.HouseholdAdults + in.HouseholdChildren,
		"age_years":          ageYears(in.DateOfBirth, in.Now),
	}
}

// FirstFailingRule returns the name of the first rule that does not hold, or
// "" when all hold. A rule that fails to compile or run counts as failing.
func FirstFailingRule(rules []model.FormRule, in RuleInput) string {
	env := in.env()
	for _, r := range rules {
		p, err := compileRule(r.Expr)
		if err != nil {
			return r.Name
		}
		out, err := expr.Run(p, env)
		if err != nil {
			return r.Name
		}
		if ok, _ := out.(bool); !ok {
			return r.Name
		}
	}
	return ""
}

func ageYears(dob, now time.Time) int {
	if dob.IsZero() {
		return 0
	}
	years := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}
