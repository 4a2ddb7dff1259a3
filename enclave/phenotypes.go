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
package enclave

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// phenotypePollInterval is the backoff between unsuccessful GetY/GetCov
// polls while waiting for a DP to send its phenotype or covariate data.
const phenotypePollInterval = time.Millisecond

// AwaitPhenotypes is the setup_enclave_phenotypes equivalent: it polls
// the boundary for every DP's phenotype and covariate columns (comma
// separated ASCII floats, one value per patient, in the same patient
// order the DP's genotype stream uses), concatenates them across DPs in
// configured order, and synthesizes the constant "1" intercept column
// locally. It blocks until every DP has supplied every column -- there is
// no bound on how long a stalled DP can delay this, matching the
// unbounded per-DP wait the rest of the pipeline already tolerates.
func AwaitPhenotypes(dpNames []string, covNames []string, numPatients map[string]int, b *Boundary) (y []float64, cov [][]float64, err error) {
	names := make([]string, 0, len(covNames)+1)
	names = append(names, "1")
	names = append(names, covNames...)

	columns := make(map[string][]float64, len(names))
	for _, dp := range dpNames {
		n := numPatients[dp]

		yData := pollBytes(func() ([]byte, bool) { return b.GetY(dp) })
		yVals, err := parseCSVFloats(yData, n)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "enclave: phenotype from %q", dp)
		}
		y = append(y, yVals...)

		for _, name := range names {
			if name == "1" {
				columns[name] = append(columns[name], ones(n)...)
				continue
			}
			data := pollBytes(func() ([]byte, bool) { return b.GetCov(dp, name) })
			vals, err := parseCSVFloats(data, n)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "enclave: covariate %q from %q", name, dp)
			}
			columns[name] = append(columns[name], vals...)
		}
	}

	total := len(y)
	cov = make([][]float64, total)
	for i := range cov {
		row := make([]float64, len(names))
		for j, name := range names {
			row[j] = columns[name][i]
		}
		cov[i] = row
	}
	return y, cov, nil
}

func pollBytes(fn func() ([]byte, bool)) []byte {
	for {
		if v, ok := fn(); ok {
			return v
		}
		time.Sleep(phenotypePollInterval)
	}
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func parseCSVFloats(data []byte, want int) ([]float64, error) {
	fields := strings.Split(string(data), ",")
	if len(fields) != want {
		return nil, errors.Errorf("got %d values, want %d", len(fields), want)
	}
	out := make([]float64, want)
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed value %q", f)
		}
		out[i] = v
	}
	return out, nil
}
