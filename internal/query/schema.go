package query

import (
	"sort"
	"strings"

	"github.com/mohammad-safakhou/academiq/internal/errs"
	"github.com/mohammad-safakhou/academiq/internal/vocab"
)

// ColumnType is the storage type of a column.
type ColumnType string

const (
	Text   ColumnType = "text"
	Int    ColumnType = "int"
	Double ColumnType = "double"
	Bool   ColumnType = "boolean"
)

// Numeric reports whether values of the type can be compared and aggregated.
func (t ColumnType) Numeric() bool { return t == Int || t == Double }

// Column describes one column and the words users call it by.
type Column struct {
	Name    string
	Type    ColumnType
	Aliases []string
	// Literal columns take a bare value after their name ("cohort 202203").
	Literal bool
	// Values columns have a vocabulary of known values to resolve against.
	Values bool
}

// Table is a column family. Only the partition key, clustering columns and
// secondary indexes can restrict a query without scanning.
type Table struct {
	Name           string
	PartitionKey   string
	Clustering     []string
	Indexed        map[string]bool
	Columns        []Column
	DefaultColumns []string
}

func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (t *Table) Has(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// ColumnNames lists the columns in declaration order.
func (t *Table) ColumnNames() []string {
	out := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		out = append(out, c.Name)
	}
	return out
}

// Schema is the set of tables the engine can query.
type Schema struct {
	Tables []*Table
}

func (s *Schema) Table(name string) (*Table, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// TableFor picks the first table holding every column. Column families have
// no joins, so columns spread over two tables cannot be queried together.
func (s *Schema) TableFor(columns []string) (*Table, error) {
	for _, t := range s.Tables {
		ok := true
		for _, c := range columns {
			if !t.Has(c) {
				ok = false
				break
			}
		}
		if ok {
			return t, nil
		}
	}
	for _, c := range columns {
		found := false
		for _, t := range s.Tables {
			if t.Has(c) {
				found = true
				break
			}
		}
		if !found {
			return nil, errs.New(errs.UnknownColumn, "unknown column %q", c)
		}
	}
	sorted := append([]string(nil), columns...)
	sort.Strings(sorted)
	return nil, errs.New(errs.UnsupportedFilter, "%s cannot be combined in one query", strings.Join(sorted, ", "))
}

// FieldVocabulary returns one field entry per distinct column name, with its aliases.
func (s *Schema) FieldVocabulary() []vocab.Entry {
	seen := map[string]int{}
	var out []vocab.Entry
	for _, t := range s.Tables {
		for _, c := range t.Columns {
			if i, ok := seen[c.Name]; ok {
				out[i].Aliases = append(out[i].Aliases, c.Aliases...)
				continue
			}
			seen[c.Name] = len(out)
			out = append(out, vocab.Entry{Column: vocab.FieldColumn, Canonical: c.Name, Aliases: append([]string(nil), c.Aliases...)})
		}
	}
	return out
}

// ValueColumns lists columns with resolvable values.
func (s *Schema) ValueColumns() []string {
	return s.collect(func(c Column) bool { return c.Values })
}

func (s *Schema) NumericColumns() map[string]bool {
	return toMap(s.collect(func(c Column) bool { return c.Type.Numeric() }))
}

func (s *Schema) LiteralColumns() map[string]bool {
	return toMap(s.collect(func(c Column) bool { return c.Literal }))
}

func (s *Schema) collect(keep func(Column) bool) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range s.Tables {
		for _, c := range t.Columns {
			if keep(c) && !seen[c.Name] {
				seen[c.Name] = true
				out = append(out, c.Name)
			}
		}
	}
	return out
}

func toMap(list []string) map[string]bool {
	out := make(map[string]bool, len(list))
	for _, s := range list {
		out[s] = true
	}
	return out
}

// DefaultSchema is the academic records keyspace: students partitioned by id,
// and subjects partitioned by id and clustered by subject code.
func DefaultSchema() *Schema {
	students := &Table{
		Name:         "students",
		PartitionKey: "id",
		Indexed:      map[string]bool{"programme": true, "country": true, "cohort": true, "gender": true, "status": true},
		Columns: []Column{
			{Name: "id", Type: Int, Aliases: []string{"student id", "matric", "matric number", "student number"}},
			{Name: "name", Type: Text, Aliases: []string{"full name"}, Values: true},
			{Name: "programme", Type: Text, Aliases: []string{"program", "course", "degree programme"}, Values: true},
			{Name: "programmecode", Type: Text, Aliases: []string{"programme code", "program code"}, Values: true},
			{Name: "awardclassification", Type: Text, Aliases: []string{"award", "award classification", "classification", "honours class"}, Values: true},
			{Name: "broadsheetyear", Type: Int, Aliases: []string{"broadsheet year", "graduation year"}, Literal: true},
			{Name: "cavg", Type: Double, Aliases: []string{"cumulative average"}},
			{Name: "cohort", Type: Text, Aliases: []string{"intake"}, Literal: true, Values: true},
			{Name: "country", Type: Text, Aliases: []string{"nationality"}, Values: true},
			{Name: "financialaid", Type: Text, Aliases: []string{"financial aid", "scholarship"}, Values: true},
			{Name: "gender", Type: Text, Aliases: []string{"sex"}, Values: true},
			{Name: "graduated", Type: Bool, Aliases: []string{"graduation status"}},
			{Name: "ic", Type: Int, Aliases: []string{"ic number", "identity card", "nric"}},
			{Name: "overallcavg", Type: Double, Aliases: []string{"overall average", "overall cavg"}},
			{Name: "overallcgpa", Type: Double, Aliases: []string{"cgpa", "gpa", "overall cgpa", "grade point average"}},
			{Name: "qualifications", Type: Text, Aliases: []string{"qualification", "entry qualification"}, Values: true},
			{Name: "race", Type: Text, Aliases: []string{"ethnicity"}, Values: true},
			{Name: "sem", Type: Int, Aliases: []string{"semester"}, Literal: true},
			{Name: "sponsorname", Type: Text, Aliases: []string{"sponsor", "sponsor name"}, Values: true},
			{Name: "status", Type: Text, Values: true},
			{Name: "subjects", Type: Text, Aliases: []string{"subject list"}},
			{Name: "year", Type: Int, Aliases: []string{"year of study"}, Literal: true},
			{Name: "yearoneaverage", Type: Double, Aliases: []string{"year one average", "first year average"}},
			{Name: "yearonecgpa", Type: Double, Aliases: []string{"year one cgpa", "first year cgpa"}},
		},
		DefaultColumns: []string{"id", "name", "programme", "cohort", "overallcgpa", "status"},
	}
	subjects := &Table{
		Name:         "subjects",
		PartitionKey: "id",
		Clustering:   []string{"subjectcode"},
		Indexed:      map[string]bool{"subjectname": true, "grade": true},
		Columns: []Column{
			{Name: "id", Type: Int},
			{Name: "programmecode", Type: Text, Values: true},
			{Name: "subjectcode", Type: Text, Aliases: []string{"subject code", "module code"}, Values: true},
			{Name: "subjectname", Type: Text, Aliases: []string{"subject", "subject name", "module"}, Values: true},
			{Name: "examyear", Type: Int, Aliases: []string{"exam year"}, Literal: true},
			{Name: "exammonth", Type: Int, Aliases: []string{"exam month"}, Literal: true},
			{Name: "status", Type: Text, Values: true},
			{Name: "attendancepercentage", Type: Double, Aliases: []string{"attendance"}},
			{Name: "courseworkpercentage", Type: Double, Aliases: []string{"coursework"}},
			{Name: "exampercentage", Type: Double, Aliases: []string{"exam percentage", "exam mark"}},
			{Name: "grade", Type: Text, Aliases: []string{"letter grade"}, Values: true},
			{Name: "overallpercentage", Type: Double, Aliases: []string{"overall percentage", "subject mark"}},
		},
		DefaultColumns: []string{"id", "subjectcode", "subjectname", "grade", "overallpercentage"},
	}
	return &Schema{Tables: []*Table{students, subjects}}
}
