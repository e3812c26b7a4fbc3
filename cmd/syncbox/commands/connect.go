package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/syncbox/syncbox/internal/cli/output"
	"github.com/syncbox/syncbox/internal/cli/prompt"
	"github.com/syncbox/syncbox/internal/logger"
	"github.com/syncbox/syncbox/pkg/client"
	"github.com/syncbox/syncbox/pkg/config"
	"github.com/syncbox/syncbox/pkg/listing"
)

var (
	syncDirFlag string
	outputFlag  string
)

var connectCmd = &cobra.Command{
	Use:   "connect <user> <host> <port>",
	Short: "Connect to a syncbox server and start syncing",
	Long: `Connect to a syncbox server as the given user and start the sync
session: the local mirror directory is reconciled against the server,
then local changes are uploaded as they happen and remote changes are
applied as the server pushes them.

While the session runs, an interactive prompt accepts commands:

  get_sync_dir        re-handshake and re-reconcile the mirror directory
  upload <path>       upload a file from an arbitrary local path
  download <name>     download a server file into the current directory
  delete <name>       delete a file everywhere
  list_server         list the server copy of the sync directory
  list_client         list the local mirror directory
  help                show this command list
  exit                disconnect and quit

Examples:
  syncbox connect alice localhost 12345
  syncbox connect alice sync.example.com 12345 --sync-dir ~/syncbox
  syncbox connect alice localhost 12345 --output json`,
	Args: cobra.ExactArgs(3),
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().StringVar(&syncDirFlag, "sync-dir", "", "local mirror directory (default: from config, or ./sync_dir)")
	connectCmd.Flags().StringVarP(&outputFlag, "output", "o", "table", "listing output format: table, json, or yaml")
}

func runConnect(cmd *cobra.Command, args []string) error {
	user, host := args[0], args[1]
	port, err := strconv.Atoi(args[2])
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %q: must be an integer in 1-65535", args[2])
	}

	format, err := output.ParseFormat(outputFlag)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	syncDir := cfg.Client.SyncDir
	if syncDirFlag != "" {
		syncDir = syncDirFlag
	}

	c, err := client.Dial(client.Config{
		User:             user,
		Address:          fmt.Sprintf("%s:%d", host, port),
		SyncDir:          syncDir,
		DebounceInterval: cfg.Client.DebounceInterval,
		EchoTTL:          cfg.Client.EchoTTL,
		AckTimeout:       cfg.Client.AckTimeout,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Run(ctx); err != nil {
		return err
	}

	p := output.NewPrinter(os.Stdout, format, true)
	p.Success(fmt.Sprintf("Connected to %s:%d as %s, syncing %s", host, port, user, c.Dir().Path()))
	p.Println(`Type "help" for the available commands.`)

	return promptLoop(c, p)
}

// promptLoop runs the interactive session until exit, Ctrl+C, or
// connection loss.
func promptLoop(c *client.Client, p *output.Printer) error {
	for {
		select {
		case <-c.Done():
			p.Error("Connection to the server was lost.")
			return fmt.Errorf("connection lost")
		default:
		}

		line, err := prompt.Input("syncbox", "")
		if err != nil {
			if prompt.IsAborted(err) {
				p.Println("Disconnecting.")
				return nil
			}
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if done := runPromptCommand(c, p, fields[0], fields[1:]); done {
			return nil
		}
	}
}

// runPromptCommand dispatches one prompt command. It returns true when
// the session should end.
func runPromptCommand(c *client.Client, p *output.Printer, cmd string, args []string) bool {
	switch cmd {
	case "exit", "quit":
		p.Println("Disconnecting.")
		return true

	case "help":
		printPromptHelp(p)

	case "get_sync_dir":
		if err := c.GetSyncDir(); err != nil {
			p.Error(fmt.Sprintf("get_sync_dir failed: %v", err))
			break
		}
		p.Success("Sync directory reconciled.")

	case "upload":
		if len(args) != 1 {
			p.Error("usage: upload <path>")
			break
		}
		if err := c.Upload(args[0]); err != nil {
			p.Error(fmt.Sprintf("upload failed: %v", err))
			break
		}
		p.Success("Uploaded " + args[0])

	case "download":
		if len(args) != 1 {
			p.Error("usage: download <name>")
			break
		}
		if err := c.Download(args[0], ""); err != nil {
			p.Error(fmt.Sprintf("download failed: %v", err))
			break
		}
		p.Success("Downloaded " + args[0] + " into the current directory")

	case "delete":
		if len(args) != 1 {
			p.Error("usage: delete <name>")
			break
		}
		ok, err := prompt.Confirm(fmt.Sprintf("Delete %q on every device", args[0]), false)
		if err != nil || !ok {
			p.Println("Cancelled.")
			break
		}
		if err := c.Delete(args[0]); err != nil {
			p.Error(fmt.Sprintf("delete failed: %v", err))
			break
		}
		p.Success("Deleted " + args[0])

	case "list_server":
		entries, _, err := c.ListServer()
		if err != nil {
			p.Error(fmt.Sprintf("list_server failed: %v", err))
			break
		}
		printListing(p, entries)

	case "list_client":
		entries, err := c.ListLocal()
		if err != nil {
			p.Error(fmt.Sprintf("list_client failed: %v", err))
			break
		}
		printListing(p, entries)

	default:
		p.Error(fmt.Sprintf("unknown command %q (type \"help\")", cmd))
	}
	return false
}

func printPromptHelp(p *output.Printer) {
	p.Println(`Commands:
  get_sync_dir        re-handshake and re-reconcile the mirror directory
  upload <path>       upload a file from an arbitrary local path
  download <name>     download a server file into the current directory
  delete <name>       delete a file everywhere
  list_server         list the server copy of the sync directory
  list_client         list the local mirror directory
  help                show this command list
  exit                disconnect and quit`)
}

// listingRow is the display form of one listing entry.
type listingRow struct {
	Name  string `json:"name" yaml:"name"`
	Size  int64  `json:"size" yaml:"size"`
	MTime string `json:"mtime" yaml:"mtime"`
	ATime string `json:"atime" yaml:"atime"`
	CTime string `json:"ctime" yaml:"ctime"`
}

// listingView renders the columns the wire listing carries.
type listingView []listingRow

func (listingView) Headers() []string {
	return []string{"NAME", "SIZE", "MTIME", "ATIME", "CTIME"}
}

func (v listingView) Rows() [][]string {
	rows := make([][]string, 0, len(v))
	for _, r := range v {
		rows = append(rows, []string{r.Name, fmt.Sprintf("%d bytes", r.Size), r.MTime, r.ATime, r.CTime})
	}
	return rows
}

// printListing renders entries in the session's output format.
func printListing(p *output.Printer, entries []listing.Entry) {
	if len(entries) == 0 && p.Format() == output.FormatTable {
		p.Println("(empty)")
		return
	}

	view := make(listingView, 0, len(entries))
	for _, e := range entries {
		view = append(view, listingRow{
			Name:  e.Name,
			Size:  e.Size,
			MTime: e.MTime.Format(listing.TimeFormat),
			ATime: e.ATime.Format(listing.TimeFormat),
			CTime: e.CTime.Format(listing.TimeFormat),
		})
	}
	if err := p.Print(view); err != nil {
		p.Error(fmt.Sprintf("failed to render listing: %v", err))
	}
}

// loadConfig loads the config file when one exists and falls back to the
// built-in defaults otherwise.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" && !config.DefaultConfigExists() {
		return config.GetDefaultConfig(), nil
	}
	return config.MustLoad(cfgFile)
}
