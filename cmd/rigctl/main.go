// rigctl is the operator tool for OpenLabRig: it lists attached wheels,
// prepares credentials for the server configuration, seeds the rig
// database and drives a running server over gRPC.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/api/rpc"
	"github.com/KevinKickass/OpenLabRig/internal/auth"
	"github.com/KevinKickass/OpenLabRig/internal/config"
	"github.com/KevinKickass/OpenLabRig/internal/fwxc"
	"github.com/KevinKickass/OpenLabRig/internal/storage"
	"github.com/spf13/pflag"
	"golang.org/x/term"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const usage = `Usage: rigctl <command> [flags]

Commands:
  list-devices    list Thorlabs serial ports
  hash-password   print an argon2id hash for a users entry
  gen-token       print a new machine token and its hash
  seed-db         store a rig document in PostgreSQL
  wheels          list wheels on a running server
  status          print the lab status of a running server
  bandpass <nm>   select a bandpass filter
  nd <od>         select a neutral density filter
  move <key> <n>  move one wheel to a slot
  watch [type..]  print rig events until interrupted
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	switch command {
	case "list-devices":
		return listDevices()
	case "hash-password":
		return hashPassword()
	case "gen-token":
		return genToken()
	case "seed-db":
		return seedDB(args)
	case "wheels", "status", "bandpass", "nd", "move", "watch":
		return remote(command, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func listDevices() error {
	ports, err := fwxc.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("no Thorlabs devices found")
		return nil
	}
	for _, p := range ports {
		fmt.Printf("%-16s serial=%-12s %s (%s:%s)\n", p.Name, p.SerialNumber, p.Product, p.VID, p.PID)
	}
	return nil
}

func hashPassword() error {
	fmt.Fprint(os.Stderr, "Password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if len(password) == 0 {
		return errors.New("empty password")
	}

	hash, err := auth.NewPasswordHasher().HashPassword(string(password))
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func genToken() error {
	token, hash, err := auth.GenerateMachineToken()
	if err != nil {
		return err
	}
	fmt.Printf("token:      %s\ntoken_hash: %s\n", token, hash)
	fmt.Fprintln(os.Stderr, "Store the token now, it cannot be recovered from the hash.")
	return nil
}

func seedDB(args []string) error {
	var configPath, rigPath string
	flags := pflag.NewFlagSet("seed-db", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "configs/config.yaml", "server configuration with the database section")
	flags.StringVar(&rigPath, "rig", "", "rig document to store (default: rig.file from the configuration)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if rigPath == "" {
		rigPath = cfg.Rig.File
	}

	doc, err := config.LoadRig(rigPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := storage.NewPostgresClient(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := db.SaveRigDocument(ctx, doc); err != nil {
		return err
	}

	fmt.Printf("stored %d wheels and %d filters from %s\n", len(doc.Wheels), len(doc.Filters), rigPath)
	return nil
}

func remote(command string, args []string) error {
	var (
		addr    string
		token   string
		noBlock bool
	)
	flags := pflag.NewFlagSet(command, pflag.ContinueOnError)
	flags.StringVarP(&addr, "addr", "a", "localhost:50051", "gRPC address of the server")
	flags.StringVarP(&token, "token", "t", os.Getenv("OLR_TOKEN"), "bearer token (default: $OLR_TOKEN)")
	flags.BoolVar(&noBlock, "no-block", false, "return without waiting for the wheel")
	if err := flags.Parse(args); err != nil {
		return err
	}
	args = flags.Args()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	client := rpc.NewClient(conn)
	var opts []grpc.CallOption
	if token != "" {
		opts = append(opts, rpc.BearerToken(token))
	}

	if command == "watch" {
		return watch(client, args, opts)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var out any
	switch command {
	case "wheels":
		out, err = client.ListWheels(ctx, opts...)
	case "status":
		out, err = client.Status(ctx, opts...)
	case "bandpass":
		if len(args) != 1 {
			return errors.New("usage: rigctl bandpass <wavelength_nm>")
		}
		nm, perr := strconv.ParseFloat(args[0], 64)
		if perr != nil {
			return fmt.Errorf("invalid wavelength %q", args[0])
		}
		out, err = client.Call(ctx, rpc.MethodSelectBandpass,
			map[string]any{"wavelength_nm": nm, "block": !noBlock}, opts...)
	case "nd":
		if len(args) != 1 {
			return errors.New("usage: rigctl nd <od>")
		}
		out, err = client.Call(ctx, rpc.MethodSelectND,
			map[string]any{"od": args[0], "block": !noBlock}, opts...)
	case "move":
		if len(args) != 2 {
			return errors.New("usage: rigctl move <wheel> <slot>")
		}
		slot, perr := strconv.Atoi(args[1])
		if perr != nil {
			return fmt.Errorf("invalid slot %q", args[1])
		}
		err = client.MoveWheel(ctx, args[0], slot, !noBlock, opts...)
		out = map[string]any{"wheel": args[0], "slot": slot}
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func watch(client *rpc.Client, types []string, opts []grpc.CallOption) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := client.WatchEvents(ctx, types, opts...)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for {
		event, err := stream.Recv()
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		if err := enc.Encode(event); err != nil {
			return err
		}
	}
}
