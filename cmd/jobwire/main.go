// Command jobwire is a command-line client and worker for job servers.
//
// Client mode submits the workload (arguments or stdin) as one job and
// prints the streamed result:
//
//	echo payload | jobwire reverse
//	jobwire -n wordcount < lines.txt     # one job per input line
//
// Worker mode (-w) registers a function that echoes its workload, which is
// enough to smoke-test a job server end to end:
//
//	jobwire -w -c 10 reverse
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"jobwire/client"
	"jobwire/job"
	"jobwire/log"
	"jobwire/registry"
	"jobwire/transport"
	"jobwire/worker"
)

func main() {
	app := &cli.App{
		Name:  "jobwire",
		Usage: "submit jobs to, or work jobs from, a job server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "YAML config file"},
			&cli.StringFlag{Name: "host", Aliases: []string{"H"}, Usage: "job server host"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "job server port"},
			&cli.IntFlag{Name: "timeout", Value: -1, Usage: "I/O wait bound in milliseconds (-1 blocks)"},
			&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Usage: "verbose logging"},
			&cli.StringSliceFlag{Name: "etcd", Usage: "etcd endpoints for server discovery"},
			&cli.StringFlag{Name: "cluster", Usage: "cluster name in the registry"},
			&cli.BoolFlag{Name: "worker", Aliases: []string{"w"}, Usage: "run as a worker"},
			&cli.IntFlag{Name: "count", Aliases: []string{"c"}, Usage: "number of jobs to run before exiting (0 = forever)"},
			&cli.StringFlag{Name: "unique", Aliases: []string{"u"}, Usage: "unique job key"},
			&cli.BoolFlag{Name: "newline", Aliases: []string{"n"}, Usage: "submit one job per input line"},
			&cli.BoolFlag{Name: "strip-newline", Aliases: []string{"N"}, Usage: "strip the trailing newline from the workload"},
			&cli.BoolFlag{Name: "background", Aliases: []string{"b"}, Usage: "submit in the background and print the handle"},
			&cli.StringFlag{Name: "priority", Usage: "job priority: high, normal or low"},
			&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "poll the status of a background job handle"},
			&cli.BoolFlag{Name: "echo", Usage: "round-trip the workload through the server and print it"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "jobwire:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("timeout") {
		cfg.TimeoutMS = c.Int("timeout")
	}
	if c.IsSet("debug") {
		cfg.Debug = c.Bool("debug")
	}
	if c.IsSet("etcd") {
		cfg.Etcd = c.StringSlice("etcd")
	}
	if c.IsSet("cluster") {
		cfg.Cluster = c.String("cluster")
	}

	logger := log.New(cfg.Debug)
	defer logger.Sync()

	u := transport.New()
	u.SetTimeout(cfg.TimeoutMS)
	level := transport.VerboseError
	if cfg.Debug {
		level = transport.VerboseDebug
	}
	u.SetLog(log.Sink(logger), level)
	defer u.Close()

	var reg registry.Registry
	if len(cfg.Etcd) > 0 {
		er, err := registry.NewEtcdRegistry(cfg.Etcd)
		if err != nil {
			return fmt.Errorf("etcd registry: %w", err)
		}
		defer er.Close()
		reg = er
	}

	if c.String("status") != "" {
		return runStatus(c.Context, u, cfg, reg, c.String("status"))
	}
	if c.Bool("echo") {
		return runEcho(c.Context, u, cfg, reg, c)
	}

	if c.NArg() < 1 {
		return fmt.Errorf("a function name is required")
	}
	function := c.Args().First()

	if c.Bool("worker") {
		return runWorker(c.Context, u, cfg, reg, logger, function, c.Int("count"))
	}
	return runClient(c.Context, u, cfg, reg, c, function)
}

func newClient(u *transport.Universal, cfg *Config, reg registry.Registry) *client.Client {
	var opts []client.Option
	if reg != nil {
		opts = append(opts, client.WithRegistry(reg, cfg.Cluster))
	}
	cl := client.New(u, opts...)
	if reg == nil {
		cl.AddServer(cfg.Host, cfg.Port)
	}
	return cl
}

// runClient submits one job per workload and streams results to stdout.
func runClient(ctx context.Context, u *transport.Universal, cfg *Config, reg registry.Registry, c *cli.Context, function string) error {
	cl := newClient(u, cfg, reg)

	workloads, err := readWorkloads(c, 1)
	if err != nil {
		return err
	}

	for _, workload := range workloads {
		if c.Bool("background") {
			handle, err := cl.SubmitBackground(ctx, function, c.String("unique"), workload, parsePriority(c.String("priority")))
			if err != nil {
				return err
			}
			fmt.Println(handle)
			continue
		}

		result, err := cl.Do(ctx, function, c.String("unique"), workload,
			client.OnData(func(chunk []byte) {
				os.Stdout.Write(chunk)
			}),
			client.OnStatus(func(num, den uint32) {
				pct, perr := client.Percent(num, den)
				if perr == nil {
					fmt.Fprintf(os.Stderr, "%d%% complete\n", pct)
				}
			}),
			client.OnWarning(func(warning []byte) {
				os.Stderr.Write(warning)
			}),
		)
		if err != nil {
			return err
		}
		os.Stdout.Write(result)
		if c.Bool("newline") {
			fmt.Println()
		}
	}
	return nil
}

// runWorker registers an echo handler for the function and works jobs until
// the count is reached or the context ends.
func runWorker(ctx context.Context, u *transport.Universal, cfg *Config, reg registry.Registry, logger *zap.Logger, function string, count int) error {
	var opts []worker.Option
	if reg != nil {
		opts = append(opts, worker.WithRegistry(reg, cfg.Cluster))
	}
	w := worker.New(u, opts...)
	if reg == nil {
		w.AddServer(cfg.Host, cfg.Port)
	}

	sugar := logger.Sugar()
	echo := func(ctx context.Context, j *job.Job) ([]byte, error) {
		sugar.Infow("job", "function", j.Function, "handle", j.Handle, "bytes", len(j.Workload()))
		return j.Workload(), nil
	}
	if err := w.RegisterFunction(ctx, function, echo); err != nil {
		return err
	}

	for done := 0; count == 0 || done < count; done++ {
		if err := w.Work(ctx); err != nil {
			return err
		}
	}
	return nil
}

func runStatus(ctx context.Context, u *transport.Universal, cfg *Config, reg registry.Registry, handle string) error {
	cl := newClient(u, cfg, reg)
	st, err := cl.Status(ctx, handle)
	if err != nil {
		return err
	}
	fmt.Printf("%s known=%v running=%v %d/%d\n", st.Handle, st.Known, st.Running, st.Numerator, st.Denominator)
	return nil
}

func runEcho(ctx context.Context, u *transport.Universal, cfg *Config, reg registry.Registry, c *cli.Context) error {
	cl := newClient(u, cfg, reg)
	workloads, err := readWorkloads(c, 0)
	if err != nil {
		return err
	}
	for _, workload := range workloads {
		mirrored, err := cl.Echo(ctx, workload)
		if err != nil {
			return err
		}
		os.Stdout.Write(mirrored)
	}
	return nil
}

// readWorkloads collects job payloads: the arguments after the first skip
// positionals joined by spaces, or stdin (one workload per line with -n,
// the whole stream otherwise).
func readWorkloads(c *cli.Context, skip int) ([][]byte, error) {
	if c.NArg() > skip {
		return [][]byte{[]byte(strings.Join(c.Args().Slice()[skip:], " "))}, nil
	}

	if c.Bool("newline") {
		var out [][]byte
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			out = append(out, line)
		}
		return out, scanner.Err()
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, err
	}
	if c.Bool("strip-newline") {
		raw = []byte(strings.TrimRight(string(raw), "\n"))
	}
	return [][]byte{raw}, nil
}

func parsePriority(s string) client.Priority {
	switch s {
	case "high":
		return client.PriorityHigh
	case "low":
		return client.PriorityLow
	default:
		return client.PriorityNormal
	}
}
