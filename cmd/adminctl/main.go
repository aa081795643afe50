// Command adminctl is an operator CLI for the miniapp admin service.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/and161185/miniapp-gate/internal/adminapi"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "miniapp")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "miniapp")
}

func tokenPath() string { return filepath.Join(cfgDir(), "admin-token.json") }

func saveToken(tok string, exp time.Time) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (login required)")
	}
	return tf.AccessToken, nil
}

// mintToken signs an operator bearer token with the server's admin key.
func mintToken(key []byte, subject string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if len(key) == 0 || subject == "" {
		return "", time.Time{}, errors.New("need signing key and subject")
	}
	exp := now.Add(ttl)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString(key)
	return tok, exp, err
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

func dial(addr, caPath string, skipVerify, plaintext bool, bearer string) (*grpc.ClientConn, adminapi.AdminClient, error) {
	var creds credentials.TransportCredentials
	if plaintext {
		creds = insecure.NewCredentials()
	} else {
		var err error
		if creds, err = loadTLS(caPath, skipVerify); err != nil {
			return nil, nil, err
		}
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !plaintext}))
	}
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, adminapi.NewAdminClient(cc), nil
}

// ---- rotation ----

// rotateArgs bound the caller-side retry of a full rotation cycle.
type rotateArgs struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	Clock    clock.Clock
	Notify   func(err error, attempt int)
}

// rotate repeats the whole rotation while the server reports a concurrent
// edge policy update. Any other failure is returned immediately. When the
// edge policy was published but the vault commit failed, the new token is
// returned together with the error.
func rotate(ctx context.Context, cli adminapi.AdminClient, args rotateArgs) (string, error) {
	var token string
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var trailer metadata.MD
			out, err := cli.RotateWebhookToken(ctx, &emptypb.Empty{}, grpc.Trailer(&trailer))
			if err != nil {
				if t := trailer.Get(adminapi.RotatedTokenTrailer); len(t) > 0 {
					token = t[0]
				}
				return err
			}
			token = out.GetValue()
			return nil
		},
		IsFatalError: func(err error) bool {
			return status.Code(err) != codes.FailedPrecondition
		},
		NotifyFunc:  args.Notify,
		Attempts:    args.Attempts,
		Delay:       args.Delay,
		MaxDelay:    args.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       args.Clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return token, retry.LastError(err)
	}
	return token, nil
}

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	if st, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", st.Code(), st.Message())
	} else {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, `adminctl
Usage:
  adminctl -addr HOST:PORT [-cacert file | -insecure | -plaintext] <cmd> [args]

Commands:
  version
  login    -key <admin jwt key> -sub <operator> [-ttl 1h]    (saves token)
  rotate   [-attempts 5]                                   (rotate webhook token)
  session  -id <userId:token>
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands and configures TLS/auth for RPC calls.
func main() {
	// global flags
	addr := flag.String("addr", "localhost:8443", "server addr")
	caPath := flag.String("cacert", "", "CA cert (PEM)")
	skipVerify := flag.Bool("insecure", false, "skip cert verify (dev)")
	plaintext := flag.Bool("plaintext", false, "no TLS (dev)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch cmd {

	case "version":
		fmt.Printf("adminctl %s (%s)\n", version, buildDate)

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		key := fs.String("key", os.Getenv("MINIAPP_ADMIN_JWT_KEY"), "admin jwt key")
		sub := fs.String("sub", os.Getenv("USER"), "operator name")
		ttl := fs.Duration("ttl", time.Hour, "token lifetime")
		_ = fs.Parse(flag.Args()[1:])

		tok, exp, err := mintToken([]byte(*key), *sub, *ttl, time.Now())
		if err != nil {
			fail(err)
		}
		if err := saveToken(tok, exp); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "rotate":
		fs := flag.NewFlagSet("rotate", flag.ExitOnError)
		attempts := fs.Int("attempts", 5, "attempts on concurrent policy updates")
		_ = fs.Parse(flag.Args()[1:])

		token, err := loadToken()
		if err != nil {
			fail(err)
		}
		cc, cli, err := dial(*addr, *caPath, *skipVerify, *plaintext, token)
		if err != nil {
			fail(err)
		}
		defer cc.Close()

		newToken, err := rotate(ctx, cli, rotateArgs{
			Attempts: *attempts,
			Delay:    time.Second,
			MaxDelay: 10 * time.Second,
			Clock:    clock.WallClock,
			Notify: func(err error, attempt int) {
				fmt.Fprintf(os.Stderr, "attempt %d: %v\n", attempt, err)
			},
		})
		if err != nil {
			if newToken != "" {
				fmt.Fprintln(os.Stderr, "edge policy already enforces the new token; store it manually:")
				fmt.Println(newToken)
			}
			fail(err)
		}
		fmt.Println(newToken)

	case "session":
		fs := flag.NewFlagSet("session", flag.ExitOnError)
		id := fs.String("id", "", "session id")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}

		token, err := loadToken()
		if err != nil {
			fail(err)
		}
		cc, cli, err := dial(*addr, *caPath, *skipVerify, *plaintext, token)
		if err != nil {
			fail(err)
		}
		defer cc.Close()

		out, err := cli.GetSession(ctx, wrapperspb.String(*id))
		if err != nil {
			fail(err)
		}
		raw, err := protojson.Marshal(out)
		if err != nil {
			fail(err)
		}
		printJSON(json.RawMessage(raw))

	default:
		usage()
	}
}
