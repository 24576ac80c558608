package detection

import (
	"strings"

	"hazardwatch/internal/risk"
)

// Classification is what a raw detector class means for site safety
type Classification struct {
	Category    risk.Category  `json:"category"`
	Severity    risk.Severity  `json:"severity"`
	Dimension   risk.Dimension `json:"dimension"`
	Description string         `json:"description"`
}

// classTable maps normalized detector classes (lower case, '_' and '-' as
// spaces) to hazards. Classes missing from the table are ignored.
var classTable = map[string]Classification{
	"person": {risk.CategoryPerson, risk.SeverityMedium, risk.DimensionBehavior, "Person in monitored zone"},

	"no helmet":      {risk.CategoryPPE, risk.SeverityHigh, risk.DimensionPPE, "Worker without hard hat"},
	"no hardhat":     {risk.CategoryPPE, risk.SeverityHigh, risk.DimensionPPE, "Worker without hard hat"},
	"no vest":        {risk.CategoryPPE, risk.SeverityHigh, risk.DimensionPPE, "Worker without high-visibility vest"},
	"no safety vest": {risk.CategoryPPE, risk.SeverityHigh, risk.DimensionPPE, "Worker without high-visibility vest"},
	"no mask":        {risk.CategoryPPE, risk.SeverityMedium, risk.DimensionPPE, "Worker without mask"},
	"no gloves":      {risk.CategoryPPE, risk.SeverityLow, risk.DimensionPPE, "Worker without gloves"},

	"knife":        {risk.CategoryBehavior, risk.SeverityHigh, risk.DimensionBehavior, "Restricted object: knife"},
	"scissors":     {risk.CategoryBehavior, risk.SeverityHigh, risk.DimensionBehavior, "Restricted object: scissors"},
	"baseball bat": {risk.CategoryBehavior, risk.SeverityHigh, risk.DimensionBehavior, "Restricted object: bat"},
	"cell phone":   {risk.CategoryBehavior, risk.SeverityLow, risk.DimensionBehavior, "Phone use on the floor"},
	"fall":         {risk.CategoryBehavior, risk.SeverityCritical, risk.DimensionBehavior, "Person down"},
	"fallen":       {risk.CategoryBehavior, risk.SeverityCritical, risk.DimensionBehavior, "Person down"},

	"car":        {risk.CategoryGeofence, risk.SeverityHigh, risk.DimensionEnvironment, "Vehicle in pedestrian zone"},
	"truck":      {risk.CategoryGeofence, risk.SeverityHigh, risk.DimensionEnvironment, "Vehicle in pedestrian zone"},
	"bus":        {risk.CategoryGeofence, risk.SeverityHigh, risk.DimensionEnvironment, "Vehicle in pedestrian zone"},
	"motorcycle": {risk.CategoryGeofence, risk.SeverityHigh, risk.DimensionEnvironment, "Vehicle in pedestrian zone"},
	"forklift":   {risk.CategoryGeofence, risk.SeverityHigh, risk.DimensionEnvironment, "Forklift in pedestrian zone"},
	"bicycle":    {risk.CategoryGeofence, risk.SeverityMedium, risk.DimensionEnvironment, "Bicycle in restricted area"},

	"fire":  {risk.CategoryEnvironment, risk.SeverityCritical, risk.DimensionEnvironment, "Fire detected"},
	"smoke": {risk.CategoryEnvironment, risk.SeverityHigh, risk.DimensionEnvironment, "Smoke detected"},
	"spill": {risk.CategoryEnvironment, risk.SeverityMedium, risk.DimensionEnvironment, "Spill on walkway"},
}

// Classify maps a raw detector class to a hazard.
func Classify(class string) (Classification, bool) {
	c, ok := classTable[normalizeClass(class)]
	return c, ok
}

func normalizeClass(class string) string {
	class = strings.ToLower(strings.TrimSpace(class))
	return strings.NewReplacer("_", " ", "-", " ").Replace(class)
}
