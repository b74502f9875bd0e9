// Command scanctl runs one camera sweep from the command line, without a
// daemon: ping sweep, port scan, protocol detection and WS-Discovery
// against a CIDR or an explicit address range.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	camlog "github.com/camfleet/camfleet/internal/log"
	"github.com/camfleet/camfleet/internal/scan"
)

func main() {
	var (
		cidr        = flag.String("cidr", "", "CIDR to sweep, e.g. 192.168.1.0/24")
		startIP     = flag.String("start", "", "first address of an explicit range")
		endIP       = flag.String("end", "", "last address of an explicit range")
		ports       = flag.String("ports", "", "comma-separated ports (default common camera ports)")
		methods     = flag.String("methods", "", "comma-separated subset of ping_sweep, port_scan, protocol_detect, onvif_discovery (default all)")
		timeout     = flag.Duration("timeout", 2*time.Second, "per-probe timeout")
		concurrency = flag.Int("concurrency", 64, "simultaneous probes")
		asJSON      = flag.Bool("json", false, "print the full result as JSON")
		verbose     = flag.Bool("v", false, "log probe details")
	)
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	camlog.Configure(camlog.Config{Level: level, Service: "scanctl", Pretty: true})

	portList, err := parsePorts(*ports)
	if err != nil {
		fail(err)
	}

	var rng scan.Range
	switch {
	case *cidr != "":
		rng, err = scan.RangeFromCIDR(*cidr, portList)
		if err != nil {
			fail(err)
		}
	case *startIP != "" && *endIP != "":
		rng = scan.Range{StartIP: *startIP, EndIP: *endIP, Ports: portList}
	default:
		fail(errors.New("a -cidr or a -start/-end pair is required"))
	}
	if err := rng.Validate(); err != nil {
		fail(err)
	}

	methodList, err := parseMethods(*methods)
	if err != nil {
		fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := scan.NewEngine(scan.EngineConfig{
		ProbeTimeout: *timeout,
		Concurrency:  *concurrency,
	})
	res, err := engine.Run(ctx, uuid.NewString(), rng, methodList, func(fraction float64, found int, message string) {
		fmt.Fprintf(os.Stderr, "\r%-70s", fmt.Sprintf("%3.0f%%  %d found  %s", fraction*100, found, message))
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fail(err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			fail(err)
		}
		return
	}

	alive := 0
	for _, h := range res.Hosts {
		if h.Alive {
			alive++
		}
	}
	fmt.Printf("scanned %s-%s in %s: %d hosts up, %d cameras\n",
		res.Range.StartIP, res.Range.EndIP, res.Duration.Round(time.Millisecond), alive, res.CamerasFound)
	if len(res.Cameras) == 0 {
		return
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "IP\tPORTS\tPROTOCOLS\tBRAND\tMODEL")
	for _, cam := range res.Cameras {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			cam.IP, joinPorts(cam.OpenPorts), strings.Join(cam.Protocols, ","), cam.Brand, cam.Model)
	}
	w.Flush()
}

func parsePorts(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, field := range strings.Split(s, ",") {
		p, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, fmt.Errorf("port %q: %w", field, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func parseMethods(s string) ([]scan.Method, error) {
	if s == "" {
		return nil, nil
	}
	var out []scan.Method
	for _, field := range strings.Split(s, ",") {
		m := scan.Method(strings.TrimSpace(field))
		switch m {
		case scan.MethodPingSweep, scan.MethodPortScan, scan.MethodProtocolDetect, scan.MethodONVIFDiscovery:
			out = append(out, m)
		default:
			return nil, fmt.Errorf("unknown scan method %q", m)
		}
	}
	return out, nil
}

func joinPorts(ports []int) string {
	if len(ports) == 0 {
		return "-"
	}
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "scanctl: %v\n", err)
	os.Exit(1)
}
