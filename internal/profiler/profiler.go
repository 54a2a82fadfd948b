// Package profiler implements the data profiler: column typing,
// missingness, prevalence, and correlation-with-outcome, feeding the
// hypothesis generator's prompt and the confounder analyzer's scan.
package profiler

import (
	"github.com/retentionlabs/causalreason/internal/dataset"
	"github.com/retentionlabs/causalreason/internal/domain"
)

// ColumnProfile is one row of the compact profile produced for a column.
type ColumnProfile struct {
	Name                  string
	SemanticType          dataset.SemanticType
	MissingFraction       float64
	Prevalence            float64 // only meaningful for binary columns
	Cardinality           int     // only meaningful for categorical columns
	CorrelationWithOutcome float64
}

// Profile is the read-only output consumed by the generator and analyzer.
type Profile struct {
	OutcomeColumn string
	Columns       []ColumnProfile
}

// ColumnByName finds a column's profile, or nil if absent.
func (p *Profile) ColumnByName(name string) *ColumnProfile {
	for i := range p.Columns {
		if p.Columns[i].Name == name {
			return &p.Columns[i]
		}
	}
	return nil
}

// HighMissingnessColumns returns the names of columns with missingness
// above the given fraction, used by the explanation generator's caveats.
func (p *Profile) HighMissingnessColumns(threshold float64) []string {
	var out []string
	for _, c := range p.Columns {
		if c.MissingFraction > threshold {
			out = append(out, c.Name)
		}
	}
	return out
}

// Build computes a Profile for the given dataset and feature catalog,
// failing with DataQualityError when the outcome column is absent or
// degenerate.
func Build(ds *dataset.Dataset, catalog []dataset.Feature, outcomeCol string) (*Profile, error) {
	if !ds.HasColumn(outcomeCol) {
		return nil, &domain.DataQualityError{Reason: "outcome column '" + outcomeCol + "' is absent from the dataset"}
	}
	if ds.UniqueCount(outcomeCol) < 2 {
		return nil, &domain.DataQualityError{Reason: "outcome column '" + outcomeCol + "' has only one unique value"}
	}
	if ds.RowCount == 0 {
		return nil, &domain.DataQualityError{Reason: "dataset is empty"}
	}

	outcomeVals := ds.Numeric[outcomeCol]

	profile := &Profile{OutcomeColumn: outcomeCol}
	for _, feat := range catalog {
		cp := ColumnProfile{
			Name:            feat.Name,
			SemanticType:    feat.Type,
			MissingFraction: ds.MissingFraction(feat.Name),
		}
		if feat.Type == dataset.SemanticBinary {
			cp.Prevalence = ds.Prevalence(feat.Name)
		}
		if feat.Type == dataset.SemanticCategorical || feat.Type == dataset.SemanticOrdinal {
			cp.Cardinality = ds.Cardinality(feat.Name)
		}
		if ds.IsNumeric(feat.Name) && feat.Name != outcomeCol {
			cp.CorrelationWithOutcome = dataset.PearsonCorrelation(ds.Numeric[feat.Name], outcomeVals)
		}
		profile.Columns = append(profile.Columns, cp)
	}

	return profile, nil
}
