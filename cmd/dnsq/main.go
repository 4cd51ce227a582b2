// Command dnsq issues a single DNS query through the stub resolver and
// prints the answer records and, with --stats, per-upstream stats.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	resolver "stub-resolver"
)

var (
	servers      []string
	strategyName string
	recordType   string
	timeout      time.Duration
	enableEDNS   bool
	clientSubnet string
	noCache      bool
	healthChecks bool
	verbose      bool
	showStats    bool
)

func main() {
	cmd := &cobra.Command{
		Use:   "dnsq <domain>",
		Short: "Query a domain through the multiplexing stub resolver",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}

	cmd.Flags().StringSliceVarP(&servers, "server", "s", []string{"udp://9.9.9.9:53"},
		"upstream server (udp://host:port, tcp://host:port, dot://host:port, doh://https URL); repeatable")
	cmd.Flags().StringVar(&strategyName, "strategy", "fifo", "selection strategy: fifo, roundrobin, smart")
	cmd.Flags().StringVarP(&recordType, "type", "t", "A", "record type (A, AAAA, MX, TXT, ...)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "query timeout")
	cmd.Flags().BoolVar(&enableEDNS, "edns", true, "advertise EDNS support")
	cmd.Flags().StringVar(&clientSubnet, "client-subnet", "", "client IP for the EDNS Client Subnet option")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the response cache")
	cmd.Flags().BoolVar(&healthChecks, "health-checks", false, "run background health probes")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	cmd.Flags().BoolVar(&showStats, "stats", false, "print per-upstream stats after the query")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	b := resolver.NewBuilder().
		WithStrategy(parseStrategy(strategyName)).
		WithTimeout(timeout).
		WithRetries(1).
		WithCache(true).
		WithMaxCacheTTL(time.Hour).
		WithHealthChecks(healthChecks).
		WithProbeInterval(30 * time.Second).
		WithDefaultPort(53).
		WithConcurrency(16).
		WithBufferSize(1232).
		WithLogger(log)

	for _, s := range servers {
		if err := addServer(b, s); err != nil {
			return err
		}
	}

	r, err := b.Build()
	if err != nil {
		return err
	}
	defer r.Close()

	qtype, ok := dns.StringToType[strings.ToUpper(recordType)]
	if !ok {
		return fmt.Errorf("unknown record type %q", recordType)
	}

	req := &resolver.QueryRequest{
		Domain:       args[0],
		Type:         qtype,
		EnableEDNS:   enableEDNS,
		DisableCache: noCache,
	}
	if clientSubnet != "" {
		ip := net.ParseIP(clientSubnet)
		if ip == nil {
			return fmt.Errorf("invalid client subnet address %q", clientSubnet)
		}
		req.ClientAddress = ip
	}

	resp, err := r.Query(context.Background(), req)
	if err != nil {
		return err
	}

	fmt.Printf(";; %s %s rcode=%s upstream=%d elapsed=%s cached=%t\n",
		resp.Domain, dns.TypeToString[resp.Type], dns.RcodeToString[resp.Rcode],
		resp.UpstreamID, resp.Elapsed.Round(time.Microsecond), resp.ServedFromCache)
	for _, rr := range resp.Records {
		fmt.Println(rr.String())
	}
	if resp.Emergency != nil {
		fmt.Printf(";; WARNING: emergency path used, %d upstreams failing\n", len(resp.Emergency.FailedUpstreams))
	}

	if showStats {
		fmt.Println(";; upstream stats:")
		for _, st := range r.Stats() {
			fmt.Printf(";;   [%d] %s %s available=%t ok=%d fail=%d ewma=%s\n",
				st.ID, st.Kind, st.Address, st.Available,
				st.TotalSuccesses, st.TotalFailures, st.LatencyEWMA.Round(time.Millisecond))
		}
	}
	return nil
}

func addServer(b *resolver.Builder, s string) error {
	switch {
	case strings.HasPrefix(s, "udp://"):
		b.AddUDP("", strings.TrimPrefix(s, "udp://"))
	case strings.HasPrefix(s, "tcp://"):
		b.AddTCP("", strings.TrimPrefix(s, "tcp://"))
	case strings.HasPrefix(s, "dot://"):
		b.AddDoT("", strings.TrimPrefix(s, "dot://"), "")
	case strings.HasPrefix(s, "doh://"):
		b.AddDoH("", strings.TrimPrefix(s, "doh://"), resolver.MethodGET)
	case strings.HasPrefix(s, "https://"):
		b.AddDoH("", s, resolver.MethodGET)
	default:
		return fmt.Errorf("unknown server scheme in %q", s)
	}
	return nil
}

func parseStrategy(name string) resolver.Strategy {
	switch strings.ToLower(name) {
	case "roundrobin", "round-robin", "rr":
		return resolver.RoundRobin
	case "smart":
		return resolver.Smart
	default:
		return resolver.FIFO
	}
}
