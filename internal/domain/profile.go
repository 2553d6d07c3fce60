// Package domain contains core domain types for the kily analysis service.
package domain

import "time"

// DataSource is one external file declared by a profile.
type DataSource struct {
	Locator     string `json:"locator" yaml:"locator"`
	Filename    string `json:"filename" yaml:"filename"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// DatasetName returns the name under which the source is exposed to analysis
// code: the filename without its extension.
func (d DataSource) DatasetName() string {
	name := d.Filename
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i]
		}
		if name[i] == '/' {
			break
		}
	}
	return name
}

// Profile is a named bundle of data sources a user analyzes against.
type Profile struct {
	ID          string       `json:"id" yaml:"id"`
	UserID      string       `json:"user_id" yaml:"user_id"`
	Name        string       `json:"name" yaml:"name"`
	DataSources []DataSource `json:"data_sources" yaml:"data_sources"`
	Active      bool         `json:"active" yaml:"active"`
	CreatedAt   time.Time    `json:"created_at" yaml:"-"`
}
