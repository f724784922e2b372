package engine

import (
	"fmt"

	"github.com/mohammad-safakhou/academiq/internal/errs"
	"github.com/mohammad-safakhou/academiq/internal/query"
	"github.com/shopspring/decimal"
)

// Band is an honours classification and its CGPA floor.
type Band struct {
	Name  string
	Floor decimal.Decimal
}

// Bands are ordered from the highest floor down.
var Bands = []Band{
	{Name: "Class I", Floor: decimal.RequireFromString("3.50")},
	{Name: "Class II (I)", Floor: decimal.RequireFromString("3.00")},
	{Name: "Class II (II)", Floor: decimal.RequireFromString("2.50")},
	{Name: "Class III", Floor: decimal.RequireFromString("2.00")},
}

// NoHonours is reported below the lowest band.
const NoHonours = "Fail"

// Prediction is the projected award for one student.
type Prediction struct {
	StudentID      string          `json:"student_id"`
	Name           string          `json:"name,omitempty"`
	CGPA           decimal.Decimal `json:"cgpa"`
	Classification string          `json:"classification"`
	HonoursLikely  bool            `json:"honours_likely"`
	// Awarded is the classification already on record, if any.
	Awarded     string `json:"awarded,omitempty"`
	Explanation string `json:"explanation"`
}

// Classify places cgpa into its band.
func Classify(cgpa decimal.Decimal) string {
	for _, b := range Bands {
		if cgpa.GreaterThanOrEqual(b.Floor) {
			return b.Name
		}
	}
	return NoHonours
}

func predict(rows query.Rows, subject string) (*Prediction, error) {
	if len(rows) == 0 {
		return nil, errs.New(errs.NoMatch, "no record found for student %s", subject)
	}
	row := rows[0]
	cgpa, ok := query.Number(row["overallcgpa"])
	if !ok {
		return nil, errs.New(errs.NoMatch, "student %s has no CGPA on record", subject)
	}
	cgpa = cgpa.Round(2)
	p := &Prediction{
		StudentID:      subject,
		Name:           query.CellText(row["name"]),
		CGPA:           cgpa,
		Classification: Classify(cgpa),
		Awarded:        query.CellText(row["awardclassification"]),
	}
	p.HonoursLikely = p.Classification != NoHonours
	if p.HonoursLikely {
		p.Explanation = fmt.Sprintf("Likely to graduate with %s honours: CGPA %s meets the %s floor of %s.",
			p.Classification, cgpa.StringFixed(2), p.Classification, floorOf(p.Classification).StringFixed(2))
	} else {
		p.Explanation = fmt.Sprintf("Unlikely to graduate with honours: CGPA %s is below %s.",
			cgpa.StringFixed(2), Bands[len(Bands)-1].Floor.StringFixed(2))
	}
	return p, nil
}

func floorOf(name string) decimal.Decimal {
	for _, b := range Bands {
		if b.Name == name {
			return b.Floor
		}
	}
	return decimal.Zero
}
