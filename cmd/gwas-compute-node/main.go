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
package main

/*
gwas-compute-node is the untrusted host process for one compute node in a
multi-party GWAS run: it accepts framed connections from every configured
data provider, reassembles and cross-DP-joins their encrypted genotype
streams, fits the configured regression kernel per locus inside the
enclave boundary, and writes result lines to standard output. The
coordination server is only contacted to register this node; results are
not sent to it.
*/

import (
	"flag"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"

	"github.com/grailbio/gwas/enclave"
	"github.com/grailbio/gwas/enclave/buffer"
	"github.com/grailbio/gwas/gwasconfig"
	"github.com/grailbio/gwas/matcher"
	"github.com/grailbio/gwas/netserver"
	"github.com/grailbio/gwas/outputsink"
	"github.com/grailbio/gwas/protocol"
	"github.com/grailbio/gwas/reassembly"
	"github.com/grailbio/gwas/regression"
)

var (
	ipPath      = flag.String("ip", "ip.txt", "Path to the sidecar file carrying this node's externally routable hostname")
	numWorkers  = flag.Int("workers", 0, "Number of regression worker goroutines; 0 = runtime.NumCPU()")
	enableTimes = flag.Bool("timings", false, "Record per-section OCALL/fit timing and log a summary at shutdown")
)

// reassemblyQueueSize and reassemblyEligibleSize bound how many
// out-of-order batches and ordered blocks, respectively, a single DP's
// reassembly pipeline buffers before Submit/the matcher's drain applies
// backpressure to that DP's network reader.
const (
	reassemblyQueueSize    = 1024
	reassemblyEligibleSize = 256
)

func gwasComputeNodeUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] config.json\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Other options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = gwasComputeNodeUsage
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() != 1 {
		log.Fatalf("missing required positional argument: config.json; please check flag syntax")
	}

	cfg, err := gwasconfig.Load(flag.Arg(0))
	if err != nil {
		log.Fatalf("gwas-compute-node: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("gwas-compute-node: %v", err)
	}
}

func run(cfg *gwasconfig.Config) error {
	n := *numWorkers
	if n <= 0 {
		n = runtime.NumCPU()
	}

	dps := make(map[string]*reassembly.DPState, len(cfg.Institutions))
	dpList := make([]*reassembly.DPState, len(cfg.Institutions))
	for i, name := range cfg.Institutions {
		dp := reassembly.NewDPState(name, reassemblyQueueSize, reassemblyEligibleSize)
		dps[name] = dp
		dpList[i] = dp
	}

	queues := make([]chan matcher.JoinedRow, n)
	for i := range queues {
		queues[i] = make(chan matcher.JoinedRow, reassemblyEligibleSize)
	}

	sink := outputsink.New()

	var attest enclave.AttestationProvider
	if cfg.Flag == gwasconfig.FlagSimulate || cfg.Flag == gwasconfig.FlagDebug {
		attest = enclave.SimulatedAttestationProvider{}
	}

	boundary := enclave.NewBoundary(cfg.Institutions, nil, cfg.CovariateNames(), queues, sink, attest)

	notifier := netserver.NewDialingNotifier("enclave")
	dispatcher := protocol.NewDispatcher(cfg.Institutions, cfg.CovariateNames(), dps, boundary, notifier, func() {
		log.Debug.Printf("gwas-compute-node: END_ENCLAVE received, terminating")
		os.Exit(0)
	})
	dispatcher.SetOnRegister(notifier.Record)

	srv, err := netserver.Listen(fmt.Sprintf(":%d", cfg.BindPort), dispatcher)
	if err != nil {
		return err
	}
	go func() {
		if err := srv.Serve(); err != nil {
			log.Error.Printf("gwas-compute-node: serve: %v", err)
		}
	}()

	hostname, err := gwasconfig.LoadRegisteredHostname(*ipPath)
	if err != nil {
		return err
	}
	coordAddr := net.JoinHostPort(cfg.CoordinationServer.Hostname, strconv.Itoa(cfg.CoordinationServer.Port))
	if err := netserver.RegisterWithCoordinator(coordAddr, hostname, cfg.BindPort); err != nil {
		return err
	}

	m := matcher.New(dpList, matcher.SeaHasher{}, queues)
	go m.Run()

	var timings *enclave.Timings
	if *enableTimes {
		timings = enclave.NewTimings()
	}

	sender := make(chan error, 1)
	go func() {
		sender <- outputsink.Send(sink, outputsink.NewPlainWriter(os.Stdout))
	}()

	numPatients := enclave.AwaitNumPatients(cfg.Institutions, boundary)
	perDP := make([]int, len(cfg.Institutions))
	for i, name := range cfg.Institutions {
		perDP[i] = numPatients[name]
	}
	maxBatchLines, err := buffer.MaxBatchLines(perDP)
	if err != nil {
		return errors.E(err, "gwas-compute-node: setup")
	}

	y, cov, err := enclave.AwaitPhenotypes(cfg.Institutions, cfg.CovariateNames(), numPatients, boundary)
	if err != nil {
		return errors.E(err, "gwas-compute-node: setup")
	}
	ctx := regression.NewContext(y, cov, cfg.ResolvedImputePolicy())

	gate := enclave.NewStartGate()
	pool := &enclave.Pool{
		NumWorkers:    n,
		MaxBatchLines: maxBatchLines,
		NumPatients:   numPatients,
		Analysis:      cfg.ResolvedAnalysisType(),
		Context:       ctx,
		Boundary:      boundary,
		Gate:          gate,
		Timings:       timings,
	}
	gate.Open()

	poolErr := pool.Run()
	sink.Terminate()
	<-sender

	timings.LogSummary()

	if poolErr != nil {
		return poolErr
	}
	return nil
}
