// Command slurmmap-demo squares a few numbers on the cluster, one job per
// number. Interrupt it and run it again to reattach to the same jobs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/3leaps/slurmmap/internal/observability"
	"github.com/3leaps/slurmmap/pkg/slurmmap"
)

type result struct {
	Square int
	Host   string
}

var doSomething = slurmmap.Register("", square)

func square(ctx context.Context, x int) (result, error) {
	fmt.Printf("Working on %d\n", x)
	select {
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-time.After(time.Duration(x) * time.Second):
	}
	host, _ := os.Hostname()
	return result{Square: x * x, Host: host}, nil
}

func main() {
	slurmmap.RunWorkerIfRequested()

	schedArgs := flag.String("sbatch", "--mem=8G --partition=itp --time=3600", "arguments passed to sbatch")
	namespace := flag.String("namespace", "", "call identity namespace")
	n := flag.Int("n", 10, "number of elements")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	observability.InitCLILogger("slurmmap-demo", *verbose)
	defer observability.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inputs := make([]int, *n)
	for i := range inputs {
		inputs[i] = i
	}

	out, err := slurmmap.Map(ctx, doSomething, inputs,
		slurmmap.WithNamespace(*namespace),
		slurmmap.WithSchedulerArgs(*schedArgs),
		slurmmap.WithPreRun("hostname"),
		slurmmap.WithLogger(observability.CLILogger),
	)
	if err != nil {
		if slurmmap.IsInterrupted(err) {
			id, _ := slurmmap.CallID(doSomething, slurmmap.WithNamespace(*namespace))
			fmt.Fprintf(os.Stderr, "Interrupted. Run again to resume, or: slurmmap cancel %s\n", id)
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	for i, r := range out {
		fmt.Printf("%d -> %d (%s)\n", inputs[i], r.Square, r.Host)
	}
}
