package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// Documents bundles the domain configuration read by the scoring agents.
// A Documents value is immutable after load; the Manager swaps whole
// snapshots on reload.
type Documents struct {
	Profile    *ProfileDefaults
	Sectors    *SectorConfig
	Geography  *GeographicConfig
	Compliance *ComplianceRules
}

// ProfileDefaults seeds searches for users who have not saved a business
// profile yet.
type ProfileDefaults struct {
	FocusAreas          []string            `yaml:"focus_areas"`
	Region              string              `yaml:"region"`
	StrategicGoals      []string            `yaml:"strategic_goals"`
	ResourceConstraints ResourceConstraints `yaml:"resource_constraints"`
}

// ResourceConstraints bounds what an organization can absorb; feasibility
// and operational scoring compare grants against these.
type ResourceConstraints struct {
	MaxBudget          float64 `yaml:"max_budget"`
	MaxDurationMonths  int     `yaml:"max_duration_months"`
	ReportingTolerance string  `yaml:"reporting_tolerance"` // low | medium | high
	TeamSize           int     `yaml:"team_size"`
}

type SectorConfig struct {
	Sectors []Sector `yaml:"sectors"`
}

type Sector struct {
	Name       string      `yaml:"name"`
	Weight     float64     `yaml:"weight"`
	Keywords   []string    `yaml:"keywords"`
	SubSectors []SubSector `yaml:"sub_sectors"`
}

type SubSector struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

// Find returns the sector whose name matches, case-insensitively.
func (s *SectorConfig) Find(name string) *Sector {
	for i := range s.Sectors {
		if strings.EqualFold(s.Sectors[i].Name, name) {
			return &s.Sectors[i]
		}
	}
	return nil
}

type GeographicConfig struct {
	Regions []Region `yaml:"regions"`
}

type Region struct {
	Name     string   `yaml:"name"`
	Tier     string   `yaml:"tier"` // local | state | regional | federal
	Keywords []string `yaml:"keywords"`
}

// GeographicTiers in search-plan order, narrowest first.
var GeographicTiers = []string{"local", "state", "regional", "federal"}

// TierPriority maps a geographic tier to its relevance score.
func TierPriority(tier string) float64 {
	switch strings.ToLower(tier) {
	case "local":
		return 1.0
	case "state":
		return 0.75
	case "regional":
		return 0.5
	case "federal":
		return 0.25
	default:
		return 0.0
	}
}

type ComplianceRules struct {
	IncludePenalty    float64          `yaml:"include_penalty"`
	HardRejectPenalty float64          `yaml:"hard_reject_penalty"`
	Rules             []ComplianceRule `yaml:"rules"`
	ToleranceBands    []ToleranceBand  `yaml:"reporting_tolerance"`
}

type ComplianceRule struct {
	ID              string   `yaml:"id"`
	Description     string   `yaml:"description"`
	IncludeKeywords []string `yaml:"include_keywords"`
	ExcludeKeywords []string `yaml:"exclude_keywords"`
	// AppliesIf gates the rule on a "field=value" condition against the
	// candidate, e.g. "sector=education". Empty means always applies.
	AppliesIf string  `yaml:"applies_if"`
	Penalty   float64 `yaml:"penalty"` // 0 means use IncludePenalty
	HardBlock bool    `yaml:"hard_block"`
}

// ToleranceBand maps reporting-burden keywords to an annual report count.
type ToleranceBand struct {
	Name           string   `yaml:"name"`
	MaxReportsYear int      `yaml:"max_reports_year"`
	Keywords       []string `yaml:"keywords"`
}

// Band returns the tolerance band with the given name, or nil.
func (c *ComplianceRules) Band(name string) *ToleranceBand {
	for i := range c.ToleranceBands {
		if strings.EqualFold(c.ToleranceBands[i].Name, name) {
			return &c.ToleranceBands[i]
		}
	}
	return nil
}

// LoadDocuments reads the domain documents from dir. Missing files fall back
// to the built-in defaults so dev and test environments run without a config
// tree; a present-but-broken file is always an error.
func LoadDocuments(dir string) (*Documents, error) {
	docs := &Documents{
		Profile:    defaultProfile(),
		Sectors:    defaultSectors(),
		Geography:  defaultGeography(),
		Compliance: defaultCompliance(),
	}

	if err := loadYAML(filepath.Join(dir, "profile.yaml"), docs.Profile); err != nil {
		return nil, err
	}
	if err := loadYAML(filepath.Join(dir, "sectors.yaml"), docs.Sectors); err != nil {
		return nil, err
	}
	if err := loadYAML(filepath.Join(dir, "geography.yaml"), docs.Geography); err != nil {
		return nil, err
	}
	if err := loadYAML(filepath.Join(dir, "compliance.yaml"), docs.Compliance); err != nil {
		return nil, err
	}

	if docs.Compliance.IncludePenalty == 0 {
		docs.Compliance.IncludePenalty = 0.2
	}
	if docs.Compliance.HardRejectPenalty == 0 {
		docs.Compliance.HardRejectPenalty = 0.5
	}
	return docs, nil
}

func loadYAML(path string, dst interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(dst); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func defaultProfile() *ProfileDefaults {
	return &ProfileDefaults{
		FocusAreas: []string{"education technology"},
		Region:     "federal",
		ResourceConstraints: ResourceConstraints{
			MaxBudget:          250000,
			MaxDurationMonths:  24,
			ReportingTolerance: "medium",
			TeamSize:           5,
		},
	}
}

func defaultSectors() *SectorConfig {
	return &SectorConfig{Sectors: []Sector{
		{
			Name:     "education",
			Weight:   1.0,
			Keywords: []string{"education", "school", "student", "teacher", "learning", "classroom", "curriculum"},
			SubSectors: []SubSector{
				{Name: "edtech", Keywords: []string{"edtech", "ai", "artificial intelligence", "software", "digital learning"}},
				{Name: "k12", Keywords: []string{"k-12", "elementary", "secondary", "high school"}},
			},
		},
		{
			Name:     "technology",
			Weight:   0.9,
			Keywords: []string{"technology", "innovation", "software", "research", "development", "stem"},
			SubSectors: []SubSector{
				{Name: "ai", Keywords: []string{"artificial intelligence", "machine learning", "data science"}},
			},
		},
		{
			Name:     "community",
			Weight:   0.7,
			Keywords: []string{"community", "nonprofit", "civic", "workforce", "economic development"},
		},
	}}
}

func defaultGeography() *GeographicConfig {
	return &GeographicConfig{Regions: []Region{
		{Name: "city", Tier: "local", Keywords: []string{"city", "municipal", "parish", "county"}},
		{Name: "state", Tier: "state", Keywords: []string{"state", "statewide"}},
		{Name: "regional", Tier: "regional", Keywords: []string{"regional", "gulf coast", "southeast", "multi-state"}},
		{Name: "federal", Tier: "federal", Keywords: []string{"federal", "national", "nationwide", "u.s.", "united states"}},
	}}
}

func defaultCompliance() *ComplianceRules {
	return &ComplianceRules{
		IncludePenalty:    0.2,
		HardRejectPenalty: 0.5,
		Rules: []ComplianceRule{
			{
				ID:              "nonprofit-eligibility",
				Description:     "Grant must accept nonprofit or small-business applicants",
				IncludeKeywords: []string{"nonprofit", "small business", "501(c)(3)", "organization"},
			},
			{
				ID:              "no-individuals-only",
				Description:     "Individual-only fellowships are out of scope",
				ExcludeKeywords: []string{"individuals only", "personal fellowship", "scholarship for students"},
			},
			{
				ID:              "no-lobbying",
				Description:     "Lobbying and political-activity funding is never eligible",
				ExcludeKeywords: []string{"lobbying", "political campaign", "electioneering"},
				HardBlock:       true,
			},
		},
		ToleranceBands: []ToleranceBand{
			{Name: "low", MaxReportsYear: 1, Keywords: []string{"annual report"}},
			{Name: "medium", MaxReportsYear: 4, Keywords: []string{"quarterly report", "quarterly reporting"}},
			{Name: "high", MaxReportsYear: 12, Keywords: []string{"monthly report", "monthly reporting", "extensive reporting"}},
		},
	}
}
