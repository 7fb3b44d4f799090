// Command rscd is a manual exerciser for the session manager: it dials a
// single remote driver, executes one statement, prints the result, and
// stops the session. It is not the HTTP frontend a real deployment would
// sit behind; it exists to drive the manager and RPC client end to end
// from a terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bryk-io/rsc-session/session"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.bryk.io/pkg/log"
)

var flags struct {
	addr             string
	clientID         string
	secret           string
	kind             kindFlag
	owner            string
	proxyUser        string
	connectTimeout   time.Duration
	handshakeTimeout time.Duration
	verbose          bool
}

// kindFlag is a pflag.Value restricting --kind to the three driver kinds
// the manager understands, rejecting anything else at parse time rather
// than surfacing a bad Kind deep inside CreateSession.
type kindFlag string

func (k *kindFlag) String() string { return string(*k) }

func (k *kindFlag) Set(v string) error {
	switch session.Kind(v) {
	case session.KindSpark, session.KindPyspark, session.KindSparkR:
		*k = kindFlag(v)
		return nil
	default:
		return fmt.Errorf("unknown driver kind %q (want spark, pyspark or sparkr)", v)
	}
}

func (k *kindFlag) Type() string { return "kind" }

var _ pflag.Value = (*kindFlag)(nil)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rscd",
		Short: "Exercise a remote driver's session lifecycle from the command line",
	}
	root.PersistentFlags().StringVar(&flags.addr, "addr", "127.0.0.1:10000", "remote driver address")
	root.PersistentFlags().StringVar(&flags.clientID, "client-id", "", "SASL client id (generated if omitted)")
	root.PersistentFlags().StringVar(&flags.secret, "secret", "", "SASL shared secret (required)")
	flags.kind = kindFlag(session.KindSpark)
	root.PersistentFlags().Var(&flags.kind, "kind", "driver kind: spark, pyspark or sparkr")
	root.PersistentFlags().StringVar(&flags.owner, "owner", "rscd", "session owner identifier")
	root.PersistentFlags().StringVar(&flags.proxyUser, "proxy-user", "", "proxy user identifier")
	root.PersistentFlags().DurationVar(&flags.connectTimeout, "connect-timeout", 10*time.Second, "TCP connect timeout")
	root.PersistentFlags().DurationVar(&flags.handshakeTimeout, "handshake-timeout", 30*time.Second, "SASL handshake timeout")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newExecCmd())
	return root
}

func newExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Create a session, run one statement, print its result, then stop the session",
		Args:  cobra.ExactArgs(1),
		RunE:  runExec,
	}
	return cmd
}

func runExec(cmd *cobra.Command, args []string) error {
	if flags.secret == "" {
		return fmt.Errorf("--secret is required")
	}
	if flags.clientID == "" {
		flags.clientID = uuid.NewString()
	}

	level := log.Warning
	if flags.verbose {
		level = log.Debug
	}
	logger := log.WithZero(log.ZeroOptions{PrettyPrint: true, ErrorField: "error"})
	logger.SetLevel(level)

	mgr := session.NewManager(session.WithLogger(logger))

	ctx, cancel := context.WithTimeout(cmd.Context(), flags.connectTimeout+flags.handshakeTimeout+5*time.Second)
	defer cancel()

	sess, err := mgr.CreateSession(ctx, flags.addr, session.Kind(flags.kind.String()), flags.owner, flags.proxyUser, session.DriverConfig{
		ClientID:         flags.clientID,
		SharedSecret:     []byte(flags.secret),
		ConnectTimeout:   flags.connectTimeout,
		HandshakeTimeout: flags.handshakeTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer func() { _ = sess.Stop(context.Background()) }()

	if err := waitForIdle(ctx, sess); err != nil {
		return err
	}

	stmt, err := sess.ExecuteStatement(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to execute statement: %w", err)
	}

	select {
	case <-stmt.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	result := stmt.Result
	fmt.Fprintf(cmd.OutOrStdout(), "status: %s\n", result.Status)
	if result.Status == session.StatusOK {
		fmt.Fprintln(cmd.OutOrStdout(), result.Output)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", result.ErrorName, result.ErrorMessage)
	}
	return nil
}

// waitForIdle polls the session's advisory state until it leaves Starting,
// since readiness is established asynchronously after CreateSession
// returns.
func waitForIdle(ctx context.Context, sess *session.Session) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch sess.State() {
		case session.Idle:
			return nil
		case session.Error, session.Dead:
			return fmt.Errorf("session entered state %q before becoming ready", sess.State())
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
