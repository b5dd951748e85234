// micrite: screening host sequencing data for microbial reads.
// Copyright (c) 2024 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/micrite/blob/master/LICENSE.txt>.


// Package config holds the settings of micrite commands, unmarshalled
// with Viper from defaults, an optional YAML file, and MICRITE_
// environment variables.
package config

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/exascience/micrite/intervals"
	"github.com/exascience/micrite/sam"
	"github.com/exascience/micrite/screen"
	"github.com/exascience/micrite/selector"
)

// EnvPrefix prefixes environment variables that override settings,
// as in MICRITE_THRESHOLDS_PROPORTION.
const EnvPrefix = "MICRITE"

// Contig relates the reference contigs of a genome to its taxon.
type Contig struct {
	Taxid   uint32   `mapstructure:"taxid"`
	Name    string   `mapstructure:"name"`
	Contigs []string `mapstructure:"contigs"`
}

// Microbe is a taxon of interest.
type Microbe struct {
	Taxid uint32 `mapstructure:"taxid"`
	Name  string `mapstructure:"name"`
}

// ThresholdConfig are the screening decision thresholds.
type ThresholdConfig struct {
	// fraction of mapped reads, for superfast and quick
	Proportion float64 `mapstructure:"proportion"`
	// classified reads, for full
	MinReads int64 `mapstructure:"min-reads"`
}

// RegionConfig names the BED files of the region categories.
type RegionConfig struct {
	HardToMap     string `mapstructure:"hard-to-map"`
	HomologyDecoy string `mapstructure:"homology-decoy"`
}

// SelectorConfig configures the full selection policy.
type SelectorConfig struct {
	// decoy contigs in addition to the contigs of all configured
	// genomes
	DecoyContigs []string `mapstructure:"decoy-contigs"`
	// mate, softclip, either, or none
	PartlyUnmapped    string `mapstructure:"partly-unmapped"`
	MinSoftClip       int32  `mapstructure:"min-soft-clip"`
	MinMapq           int    `mapstructure:"min-mapq"`
	MinAlignmentScore int64  `mapstructure:"min-alignment-score"`
}

// QualityConfig is the read quality filter; all zero disables it.
type QualityConfig struct {
	MinLength int     `mapstructure:"min-length"`
	MinPhred  float64 `mapstructure:"min-phred"`
	MaxN      int     `mapstructure:"max-n"`
}

// ReportZeroCountsConfig tells per policy whether taxa without reads
// are reported.
type ReportZeroCountsConfig struct {
	Superfast bool `mapstructure:"superfast"`
	Quick     bool `mapstructure:"quick"`
	Full      bool `mapstructure:"full"`
}

// HitConfig configures hit calling on classification reports.
type HitConfig struct {
	MinReads       int64   `mapstructure:"min-reads"`
	MinPercent     float64 `mapstructure:"min-percent"`
	OfInterestOnly bool    `mapstructure:"of-interest-only"`
}

// Config is the root-level settings struct.
type Config struct {
	Sample string `mapstructure:"sample"`
	// promote per-record issues to fatal errors
	Strict bool `mapstructure:"strict"`
	// SQLite results ledger; empty for none
	Ledger           string                 `mapstructure:"ledger"`
	Contigs          []Contig               `mapstructure:"contigs"`
	Thresholds       ThresholdConfig        `mapstructure:"thresholds"`
	Regions          RegionConfig           `mapstructure:"regions"`
	Selector         SelectorConfig         `mapstructure:"selector"`
	Quality          QualityConfig          `mapstructure:"quality"`
	ReportZeroCounts ReportZeroCountsConfig `mapstructure:"report-zero-counts"`
	Hits             HitConfig              `mapstructure:"hits"`
	Microbes         []Microbe              `mapstructure:"microbes"`
}

// DefaultContigs are reference contigs of microbial genomes commonly
// included in human references.
func DefaultContigs() []map[string]interface{} {
	return []map[string]interface{}{
		{"taxid": 10376, "name": "EBV", "contigs": []string{"chrEBV", "NC_007605", "NC_009334"}},
		{"taxid": 32604, "name": "HHV6B", "contigs": []string{"NC_000898"}},
	}
}

// DefaultMicrobes are microbes with an established link to cancer.
func DefaultMicrobes() []map[string]interface{} {
	microbes := []struct {
		taxid int
		name  string
	}{
		{37296, "Human gammaherpesvirus 8"},
		{10376, "Human gammaherpesvirus 4 (EBV)"},
		{32603, "Human betaherpesvirus 6A"},
		{32604, "Human betaherpesvirus 6B"},
		{10372, "Human betaherpesvirus 7"},
		{194440, "Primate T-lymphotropic virus 1"},
		{194441, "Primate T-lymphotropic virus 2"},
		{10566, "Human papillomavirus"},
		{10407, "Hepatitis B virus"},
		{11103, "Hepacivirus C"},
		{493803, "Merkel cell polyomavirus"},
		{1891767, "Betapolyomavirus macacae"},
		{1891763, "Betapolyomavirus secuhominis"},
		{1891762, "Betapolyomavirus hominis"},
		{10358, "Cytomegalovirus"},
		{687331, "Alphatorquevirus"},
	}
	result := make([]map[string]interface{}, len(microbes))
	for i, m := range microbes {
		result[i] = map[string]interface{}{"taxid": m.taxid, "name": m.name}
	}
	return result
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sample", "")
	v.SetDefault("strict", false)
	v.SetDefault("ledger", "")
	v.SetDefault("contigs", DefaultContigs())
	v.SetDefault("thresholds.proportion", 0.01)
	v.SetDefault("thresholds.min-reads", 1)
	v.SetDefault("regions.hard-to-map", "")
	v.SetDefault("regions.homology-decoy", "")
	v.SetDefault("selector.decoy-contigs", []string{})
	v.SetDefault("selector.partly-unmapped", "mate")
	v.SetDefault("selector.min-soft-clip", 20)
	v.SetDefault("selector.min-mapq", 10)
	v.SetDefault("selector.min-alignment-score", 130)
	v.SetDefault("quality.min-length", 50)
	v.SetDefault("quality.min-phred", 17)
	v.SetDefault("quality.max-n", 2)
	v.SetDefault("report-zero-counts.superfast", true)
	v.SetDefault("report-zero-counts.quick", true)
	v.SetDefault("report-zero-counts.full", true)
	v.SetDefault("hits.min-reads", 5)
	v.SetDefault("hits.min-percent", 0.1)
	v.SetDefault("hits.of-interest-only", false)
	v.SetDefault("microbes", DefaultMicrobes())
}

// Load reads the configuration. An empty filename uses the defaults
// only; environment variables apply in both cases.
func Load(filename string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if filename != "" {
		v.SetConfigFile(filename)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading configuration %v", filename)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Thresholds.Proportion < 0 || c.Thresholds.Proportion > 1 {
		return errors.Errorf("thresholds.proportion %v not in [0, 1]", c.Thresholds.Proportion)
	}
	if c.Thresholds.MinReads < 0 {
		return errors.Errorf("thresholds.min-reads %v is negative", c.Thresholds.MinReads)
	}
	if c.Selector.MinMapq < 0 || c.Selector.MinMapq > 255 {
		return errors.Errorf("selector.min-mapq %v not in [0, 255]", c.Selector.MinMapq)
	}
	if _, err := selector.ParsePartlyUnmapped(c.Selector.PartlyUnmapped); err != nil {
		return errors.Wrap(err, "selector.partly-unmapped")
	}
	for _, contig := range c.Contigs {
		if contig.Taxid == 0 || len(contig.Contigs) == 0 {
			return errors.Errorf("contigs entry %v needs a taxid and at least one contig", contig.Name)
		}
	}
	return nil
}

// ContigMap returns the contig to taxon mapping.
func (c *Config) ContigMap() (*selector.ContigMap, error) {
	microbes := make([]selector.Microbe, len(c.Contigs))
	for i, contig := range c.Contigs {
		microbes[i] = selector.Microbe{Taxid: contig.Taxid, Name: contig.Name, Contigs: contig.Contigs}
	}
	return selector.NewContigMap(microbes)
}

// ScreenThresholds returns the decision thresholds.
func (c *Config) ScreenThresholds() screen.Thresholds {
	return screen.Thresholds{Proportion: c.Thresholds.Proportion, MinReads: c.Thresholds.MinReads}
}

// ReportZero tells whether taxa without reads are reported under the
// policy.
func (c *Config) ReportZero(policy screen.Policy) bool {
	switch policy {
	case screen.Superfast:
		return c.ReportZeroCounts.Superfast
	case screen.Quick:
		return c.ReportZeroCounts.Quick
	default:
		return c.ReportZeroCounts.Full
	}
}

// SelectorOptions returns the full selection options. The decoy
// contigs are the configured ones plus all genome contigs. regions may
// be nil.
func (c *Config) SelectorOptions(regions *intervals.Regions) (selector.Options, error) {
	partly, err := selector.ParsePartlyUnmapped(c.Selector.PartlyUnmapped)
	if err != nil {
		return selector.Options{}, err
	}
	seen := make(map[string]bool)
	var decoys []string
	for _, contig := range c.Selector.DecoyContigs {
		if !seen[contig] {
			seen[contig] = true
			decoys = append(decoys, contig)
		}
	}
	for _, entry := range c.Contigs {
		for _, contig := range entry.Contigs {
			if !seen[contig] {
				seen[contig] = true
				decoys = append(decoys, contig)
			}
		}
	}
	options := selector.Options{
		DecoyContigs:      decoys,
		PartlyUnmapped:    partly,
		MinSoftClip:       c.Selector.MinSoftClip,
		Quality:           sam.Quality{MinLength: c.Quality.MinLength, MinPhred: c.Quality.MinPhred, MaxN: c.Quality.MaxN},
		MinMapq:           byte(c.Selector.MinMapq),
		MinAlignmentScore: c.Selector.MinAlignmentScore,
	}
	if regions != nil {
		options.HomologyDecoy = regions.HomologyDecoy
	}
	return options, nil
}

// HitOptions returns the hit calling options.
func (c *Config) HitOptions() screen.HitOptions {
	return screen.HitOptions{
		MinReads:       c.Hits.MinReads,
		MinPercent:     c.Hits.MinPercent,
		OfInterestOnly: c.Hits.OfInterestOnly,
		Microbes:       c.MicrobeNames(),
	}
}

// MicrobeNames maps the taxids of interest to their names.
func (c *Config) MicrobeNames() map[uint32]string {
	names := make(map[uint32]string, len(c.Microbes))
	for _, m := range c.Microbes {
		names[m.Taxid] = m.Name
	}
	return names
}

// MicrobeTaxids returns the taxids of interest in ascending order.
func (c *Config) MicrobeTaxids() []uint32 {
	taxids := make([]uint32, 0, len(c.Microbes))
	for taxid := range c.MicrobeNames() {
		taxids = append(taxids, taxid)
	}
	sort.Slice(taxids, func(i, j int) bool { return taxids[i] < taxids[j] })
	return taxids
}
