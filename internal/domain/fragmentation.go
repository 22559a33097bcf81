package domain

// Default split applied to every blocked escrow unless configured otherwise.
const (
	DefaultMaterialsPercent = 65
	DefaultLaborPercent     = 35
)

// FragmentationRule splits a total into a materials share and a labor share.
type FragmentationRule struct {
	MaterialsPercent int
	LaborPercent     int
}

// DefaultFragmentationRule returns the 65/35 rule.
func DefaultFragmentationRule() FragmentationRule {
	return FragmentationRule{MaterialsPercent: DefaultMaterialsPercent, LaborPercent: DefaultLaborPercent}
}

func NewFragmentationRule(materialsPct, laborPct int) (FragmentationRule, error) {
	rule := FragmentationRule{MaterialsPercent: materialsPct, LaborPercent: laborPct}
	if err := rule.Validate(); err != nil {
		return FragmentationRule{}, err
	}
	return rule, nil
}

func (r FragmentationRule) Validate() error {
	if r.MaterialsPercent < 0 || r.LaborPercent < 0 || r.MaterialsPercent+r.LaborPercent != 100 {
		return ErrInvalidFragmentationRule
	}
	return nil
}

// Split returns materials and labor shares of total. Labor is floored and the
// remainder goes to materials, so materials+labor == total always holds.
func (r FragmentationRule) Split(total Money) (materials, labor Money) {
	labor = total.Percent(r.LaborPercent)
	return total - labor, labor
}

// Split is the functional form of FragmentationRule.Split.
func Split(total Money, materialsPct, laborPct int) (materials, labor Money, err error) {
	rule, err := NewFragmentationRule(materialsPct, laborPct)
	if err != nil {
		return 0, 0, err
	}
	if total < 0 {
		return 0, 0, ErrInvalidAmount
	}
	materials, labor = rule.Split(total)
	return materials, labor, nil
}
