// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gwasconfig loads and validates the compute node's run-time
// configuration: the JSON file passed as argv[1], and the ip.txt sidecar
// carrying this node's externally routable hostname.
package gwasconfig

import (
	"encoding/json"
	"io/ioutil"
	"strings"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/gwas/regression"
)

// Flag selects an optional run mode.
type Flag string

const (
	// FlagNone is the default: no attestation provider is installed, so
	// the boundary produces no attestation evidence.
	FlagNone Flag = ""
	// FlagSimulate substitutes a fixed, non-genuine attestation blob for
	// environments with no real enclave hardware available.
	FlagSimulate Flag = "simulate"
	// FlagDebug selects the same simulated attestation as FlagSimulate;
	// it does not change logging.
	FlagDebug Flag = "debug"
)

// CoordinationServer is where this node registers itself on startup.
type CoordinationServer struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
}

// Config is the argv[1] JSON document's shape.
type Config struct {
	BindPort           int                `json:"enclave_node_bind_port"`
	Institutions       []string           `json:"institutions"`
	Covariants         []string           `json:"covariants"`
	YValName           string             `json:"y_val_name"`
	Flag               Flag               `json:"flag,omitempty"`
	AnalysisType       string             `json:"analysis_type"`
	ImputePolicy       string             `json:"impute_policy,omitempty"`
	CoordinationServer CoordinationServer `json:"coordination_server_info"`
}

var validAnalysisTypes = map[string]regression.AnalysisType{
	string(regression.LinearDummy):       regression.LinearDummy,
	string(regression.Linear):            regression.Linear,
	string(regression.Logistic):          regression.Logistic,
	string(regression.LinearOblivious):   regression.LinearOblivious,
	string(regression.LogisticOblivious): regression.LogisticOblivious,
}

var validImputePolicies = map[string]regression.ImputePolicy{
	string(regression.EPACTS): regression.EPACTS,
	string(regression.Hail):   regression.Hail,
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.E(err, "gwasconfig: read config", path)
	}
	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, errors.E(err, "gwasconfig: parse config", path)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks every field the compute node cannot safely start
// without, mirroring the fatal-setup checks the original node performs
// before accepting any connection (missing analysis_type, unknown flag,
// and so on).
func (c *Config) Validate() error {
	if c.BindPort <= 0 {
		return errors.E("gwasconfig: enclave_node_bind_port must be positive")
	}
	if len(c.Institutions) == 0 {
		return errors.E("gwasconfig: institutions must list at least one data provider")
	}
	if c.YValName == "" {
		return errors.E("gwasconfig: y_val_name is required")
	}
	if c.AnalysisType == "" {
		return errors.E("gwasconfig: analysis_type is required")
	}
	if _, ok := validAnalysisTypes[c.AnalysisType]; !ok {
		return errors.E("gwasconfig: unrecognized analysis_type", c.AnalysisType)
	}
	switch c.Flag {
	case FlagNone, FlagSimulate, FlagDebug:
	default:
		return errors.E("gwasconfig: unrecognized flag", string(c.Flag))
	}
	if c.ImputePolicy != "" {
		if _, ok := validImputePolicies[c.ImputePolicy]; !ok {
			return errors.E("gwasconfig: unrecognized impute_policy", c.ImputePolicy)
		}
	}
	if c.CoordinationServer.Hostname == "" {
		return errors.E("gwasconfig: coordination_server_info.hostname is required")
	}
	if c.CoordinationServer.Port <= 0 {
		return errors.E("gwasconfig: coordination_server_info.port must be positive")
	}
	return nil
}

// ResolvedAnalysisType returns the validated config's analysis kernel selector.
func (c *Config) ResolvedAnalysisType() regression.AnalysisType {
	return validAnalysisTypes[c.AnalysisType]
}

// ResolvedImputePolicy returns the config's imputation policy, defaulting to
// EPACTS when unset.
func (c *Config) ResolvedImputePolicy() regression.ImputePolicy {
	if c.ImputePolicy == "" {
		return regression.EPACTS
	}
	return validImputePolicies[c.ImputePolicy]
}

// CovariateNames returns the configured covariates with the constant
// intercept entry ("1") excluded -- GetCov synthesizes it locally and it
// is never requested from a DP.
func (c *Config) CovariateNames() []string {
	names := make([]string, 0, len(c.Covariants))
	for _, name := range c.Covariants {
		if name != "1" {
			names = append(names, name)
		}
	}
	return names
}

// LoadRegisteredHostname reads the ip.txt sidecar: a single line giving
// this node's externally routable hostname, sent in the REGISTER message
// to the coordination server.
func LoadRegisteredHostname(path string) (string, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return "", errors.E(err, "gwasconfig: read hostname sidecar", path)
	}
	hostname := strings.TrimSpace(string(raw))
	if hostname == "" {
		return "", errors.E("gwasconfig: hostname sidecar", path, "is empty")
	}
	return hostname, nil
}
