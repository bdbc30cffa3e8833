package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/and161185/hostel-outpass/internal/api"
	"github.com/and161185/hostel-outpass/internal/auth"
	"github.com/and161185/hostel-outpass/internal/config"
	grpcserver "github.com/and161185/hostel-outpass/internal/server/grpc"
)

var errUsage = errors.New("usage")

type cli struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	dial   func(ctx context.Context, g globals, bearer string) (*grpc.ClientConn, error)
	now    func() time.Time
	g      globals
}

type rpcFunc func(ctx context.Context, cl *grpcserver.Client, args []string) (any, error)

// rpcs maps subcommands to calls that need a saved token.
var rpcs = map[string]rpcFunc{
	"submit":     cmdSubmit,
	"can-submit": noArgs(func(ctx context.Context, cl *grpcserver.Client) (any, error) { return cl.CanSubmit(ctx) }),
	"current":    noArgs(func(ctx context.Context, cl *grpcserver.Client) (any, error) { return cl.ListCurrent(ctx) }),
	"history":    noArgs(func(ctx context.Context, cl *grpcserver.Client) (any, error) { return cl.ListHistory(ctx) }),
	"pending":    noArgs(func(ctx context.Context, cl *grpcserver.Client) (any, error) { return cl.ListPending(ctx) }),
	"active":     noArgs(func(ctx context.Context, cl *grpcserver.Client) (any, error) { return cl.ListActive(ctx) }),
	"regenerate": byID("regenerate", (*grpcserver.Client).Regenerate),
	"approve":    byID("approve", (*grpcserver.Client).Approve),
	"reject":     byID("reject", (*grpcserver.Client).Reject),
	"show":       byID("show", (*grpcserver.Client).GetPass),
	"events":     byID("events", (*grpcserver.Client).GetEvents),
	"stats":      cmdStats,
}

func (c *cli) run(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("op", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(c.errOut)
	fs.StringVar(&c.g.addr, "addr", "localhost:8443", "server addr")
	fs.StringVar(&c.g.caPath, "cacert", "", "CA cert (PEM)")
	fs.BoolVar(&c.g.insecure, "insecure", false, "skip cert verify (dev)")
	fs.BoolVar(&c.g.plaintext, "plaintext", false, "no TLS (dev server)")
	fs.Usage = func() { usage(c.errOut) }
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() < 1 {
		usage(c.errOut)
		return errUsage
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	switch cmd {
	case "version":
		fmt.Fprintf(c.out, "op %s (%s)\n", version, buildDate)
		return nil
	case "token":
		return c.cmdToken(rest)
	case "login":
		return c.cmdLogin(rest)
	case "whoami":
		tf, err := loadToken()
		if err != nil {
			return err
		}
		printJSON(c.out, map[string]any{"subject": tf.Subject, "role": tf.Role, "expires_at": tf.ExpiresAt})
		return nil
	case "scan-out", "scan-in", "verify":
		return c.call(ctx, c.payloadCmd(cmd), rest)
	}
	fn, ok := rpcs[cmd]
	if !ok {
		usage(c.errOut)
		return errUsage
	}
	return c.call(ctx, fn, rest)
}

func (c *cli) call(ctx context.Context, fn rpcFunc, args []string) error {
	tf, err := loadToken()
	if err != nil {
		return err
	}
	cc, err := c.dial(ctx, c.g, tf.AccessToken)
	if err != nil {
		return err
	}
	defer cc.Close()

	resp, err := fn(ctx, grpcserver.NewClient(cc), args)
	if err != nil {
		return err
	}
	printJSON(c.out, resp)
	return nil
}

func (c *cli) cmdToken(args []string) error {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	sub := fs.String("sub", "", "subject")
	role := fs.String("role", "", "student|admin|gate")
	key := fs.String("key", os.Getenv(config.EnvName("jwt-key")), "HS256 key")
	ttl := fs.Duration("ttl", 12*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *sub == "" || *key == "" || !auth.Role(*role).Valid() {
		return fmt.Errorf("need --sub, --key and --role student|admin|gate")
	}
	tok, err := auth.Sign([]byte(*key), *sub, auth.Role(*role), c.now(), *ttl)
	if err != nil {
		return err
	}
	tf, err := saveToken(tok)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "ok: %s as %s until %s\n", tf.Subject, tf.Role, tf.ExpiresAt.Format(time.RFC3339))
	return nil
}

func (c *cli) cmdLogin(args []string) error {
	fs := pflag.NewFlagSet("login", pflag.ContinueOnError)
	tok := fs.String("token", "", "bearer token from the identity provider")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if strings.TrimSpace(*tok) == "" {
		return errors.New("need --token")
	}
	if _, err := saveToken(strings.TrimSpace(*tok)); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "ok")
	return nil
}

func (c *cli) payloadCmd(name string) rpcFunc {
	return func(ctx context.Context, cl *grpcserver.Client, args []string) (any, error) {
		fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
		payload := fs.String("payload", "", "credential payload")
		file := fs.String("file", "", "read payload from file, - for stdin")
		if err := fs.Parse(args); err != nil {
			return nil, errUsage
		}
		p := *payload
		if p == "" && *file != "" {
			b, err := readAll(c.in, *file)
			if err != nil {
				return nil, err
			}
			p = strings.TrimSpace(string(b))
		}
		if p == "" {
			return nil, errors.New("need --payload or --file")
		}
		req := &api.ScanRequest{Payload: p}
		switch name {
		case "scan-out":
			return cl.ScanOut(ctx, req)
		case "scan-in":
			return cl.ScanIn(ctx, req)
		default:
			return cl.Verify(ctx, req)
		}
	}
}

func cmdSubmit(ctx context.Context, cl *grpcserver.Client, args []string) (any, error) {
	fs := pflag.NewFlagSet("submit", pflag.ContinueOnError)
	dep := fs.String("depart", "", "scheduled departure")
	ret := fs.String("return", "", "scheduled return")
	reason := fs.String("reason", "", "reason")
	name := fs.String("name", "", "student name")
	phone := fs.String("phone", "", "student phone")
	parent := fs.String("parent-phone", "", "parent phone")
	if err := fs.Parse(args); err != nil {
		return nil, errUsage
	}
	d, err := parseWhen(*dep)
	if err != nil {
		return nil, fmt.Errorf("--depart: %w", err)
	}
	r, err := parseWhen(*ret)
	if err != nil {
		return nil, fmt.Errorf("--return: %w", err)
	}
	return cl.Submit(ctx, &api.SubmitRequest{
		Departure: d, Return: r, Reason: *reason,
		StudentName: *name, StudentPhone: *phone, ParentPhone: *parent,
	})
}

func cmdStats(ctx context.Context, cl *grpcserver.Client, args []string) (any, error) {
	fs := pflag.NewFlagSet("stats", pflag.ContinueOnError)
	day := fs.String("day", "", "count returns since this day (YYYY-MM-DD, UTC)")
	if err := fs.Parse(args); err != nil {
		return nil, errUsage
	}
	req := &api.StatsRequest{}
	if *day != "" {
		t, err := time.Parse(time.DateOnly, *day)
		if err != nil {
			return nil, fmt.Errorf("--day: %w", err)
		}
		req.DayStart = t
	}
	return cl.Stats(ctx, req)
}

func noArgs[Resp any](fn func(context.Context, *grpcserver.Client) (Resp, error)) rpcFunc {
	return func(ctx context.Context, cl *grpcserver.Client, _ []string) (any, error) {
		return fn(ctx, cl)
	}
}

func byID[Resp any](
	name string, fn func(*grpcserver.Client, context.Context, *api.PassIDRequest) (Resp, error),
) rpcFunc {
	return func(ctx context.Context, cl *grpcserver.Client, args []string) (any, error) {
		fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
		id := fs.String("id", "", "pass id")
		if err := fs.Parse(args); err != nil {
			return nil, errUsage
		}
		if *id == "" {
			return nil, errors.New("need --id")
		}
		return fn(cl, ctx, &api.PassIDRequest{ID: *id})
	}
}

var whenLayouts = []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02T15:04"}

// parseWhen accepts RFC 3339 or a local wall-clock time.
func parseWhen(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("required")
	}
	for _, l := range whenLayouts {
		if l == time.RFC3339 {
			if t, err := time.Parse(l, s); err == nil {
				return t, nil
			}
			continue
		}
		if t, err := time.ParseInLocation(l, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}
