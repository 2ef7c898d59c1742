package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rjboer/sdrsource/internal/app"
	"github.com/rjboer/sdrsource/internal/mdns"
)

func main() {
	timeout := flag.Duration("timeout", 3*time.Second, "DNS-SD browse timeout")
	simulate := flag.Bool("simulate", false, "Enumerate simulated devices")
	peers := flag.Bool("peers", true, "Browse for running receivers")
	flag.Parse()

	failed := false
	fmt.Println("===============================================================")
	fmt.Println(" Attached devices")
	fmt.Println("===============================================================")
	for _, backend := range app.Backends {
		devs, err := app.ListDevices(backend, *simulate)
		if err != nil {
			fmt.Printf(" %-9s unavailable: %v\n", backend, err)
			continue
		}
		if len(devs) == 0 {
			fmt.Printf(" %-9s none\n", backend)
			continue
		}
		for _, d := range devs {
			fmt.Printf(" %s\n", d)
		}
	}

	if *peers {
		fmt.Println("---------------------------------------------------------------")
		fmt.Printf(" Receivers (%s, %s)\n", mdns.Service, *timeout)
		fmt.Println("---------------------------------------------------------------")
		start := time.Now()
		hosts, err := mdns.Discover(context.Background(), *timeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Discovery error: %v\n", err)
			failed = true
		}
		for i, h := range hosts {
			fmt.Printf("[%d] %s\n", i+1, h.Instance)
			fmt.Printf("     Hostname : %s\n", h.Hostname)
			fmt.Printf("     Port     : %d\n", h.Port)
			for _, ip := range h.Addresses {
				fmt.Printf("     Address  : %s\n", ip)
			}
			if len(h.TXT) > 0 {
				fmt.Printf("     TXT      : %s\n", strings.Join(h.TXT, " "))
			}
		}
		if err == nil {
			fmt.Printf("Discovered %d receiver(s) in %s\n", len(hosts), time.Since(start).Truncate(time.Millisecond))
		}
	}

	if failed {
		os.Exit(1)
	}
}
