package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/k0kubun/pp/v3"

	"github.com/masa23/newsfunnel/accounts"
)

var errUsage = errors.New("usage")

const usage = `usage: mailctl [-conf config.yaml] <command> [flags]

commands:
  link      -owner ID -login ADDR -host HOST [-port 993] [-tls] [-name NAME] [-password PW]
  unlink    -owner ID -login ADDR
  accounts  -owner ID
  messages  -owner ID -login ADDR
  metadata  -owner ID -login ADDR
  show      -owner ID -id MESSAGE_ID
  delete    -owner ID -id MESSAGE_ID
`

type command func(ctx context.Context, svc *accounts.Service, args []string, out io.Writer) error

var commands = map[string]command{
	"link":     link,
	"unlink":   unlink,
	"accounts": listAccounts,
	"messages": listMessages,
	"metadata": listMetadata,
	"show":     showMessage,
	"delete":   deleteMessage,
}

func run(ctx context.Context, svc *accounts.Service, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
	}
	return cmd(ctx, svc, args[1:], out)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func dumper(out io.Writer) *pp.PrettyPrinter {
	printer := pp.New()
	printer.SetOutput(out)
	printer.SetColoringEnabled(false)
	return printer
}

func link(ctx context.Context, svc *accounts.Service, args []string, out io.Writer) error {
	var req accounts.LinkRequest
	fs := newFlagSet("link")
	fs.StringVar(&req.OwnerID, "owner", "", "Owner ID")
	fs.StringVar(&req.Name, "name", "", "Display name")
	fs.StringVar(&req.Login, "login", "", "Login (email address)")
	fs.StringVar(&req.Password, "password", os.Getenv("MAILCTL_PASSWORD"), "Password, defaults to $MAILCTL_PASSWORD")
	fs.StringVar(&req.Host, "host", "", "IMAP host")
	fs.IntVar(&req.Port, "port", 993, "IMAP port")
	fs.BoolVar(&req.TLS, "tls", true, "Use implicit TLS")
	if err := fs.Parse(args); err != nil {
		return err
	}

	account, err := svc.Link(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "linked %s\n", account)
	return nil
}

func unlink(ctx context.Context, svc *accounts.Service, args []string, out io.Writer) error {
	fs := newFlagSet("unlink")
	owner := fs.String("owner", "", "Owner ID")
	login := fs.String("login", "", "Login (email address)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := svc.Unlink(ctx, *owner, *login); err != nil {
		return err
	}
	fmt.Fprintf(out, "unlinked %s\n", *login)
	return nil
}

func listAccounts(ctx context.Context, svc *accounts.Service, args []string, out io.Writer) error {
	fs := newFlagSet("accounts")
	owner := fs.String("owner", "", "Owner ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	list, err := svc.ListAccounts(ctx, *owner)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLOGIN\tSERVER\tTLS")
	for _, a := range list {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\n", a.ID, a.Name, a.Login, a.Address(), a.TLS)
	}
	return w.Flush()
}

func listMessages(ctx context.Context, svc *accounts.Service, args []string, out io.Writer) error {
	fs := newFlagSet("messages")
	owner := fs.String("owner", "", "Owner ID")
	login := fs.String("login", "", "Login (email address)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	msgs, err := svc.ListMessages(ctx, *owner, *login)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRECEIVED\tFROM\tSUBJECT\tPRIORITY")
	for _, m := range msgs {
		priority := "-"
		if m.Metadata != nil {
			priority = fmt.Sprint(m.Metadata.Priority)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", m.ID, m.ReceivedAt.Format("2006-01-02 15:04"), m.Sender, m.Subject, priority)
	}
	return w.Flush()
}

func listMetadata(ctx context.Context, svc *accounts.Service, args []string, out io.Writer) error {
	fs := newFlagSet("metadata")
	owner := fs.String("owner", "", "Owner ID")
	login := fs.String("login", "", "Login (email address)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	mds, err := svc.ListMetadata(ctx, *owner, *login)
	if err != nil {
		return err
	}
	_, err = dumper(out).Println(mds)
	return err
}

func messageFlags(name string, args []string) (owner string, id uint64, err error) {
	fs := newFlagSet(name)
	fs.StringVar(&owner, "owner", "", "Owner ID")
	fs.Uint64Var(&id, "id", 0, "Message ID")
	if err := fs.Parse(args); err != nil {
		return "", 0, err
	}
	if id == 0 {
		return "", 0, fmt.Errorf("%s: -id is required: %w", name, errUsage)
	}
	return owner, id, nil
}

func showMessage(ctx context.Context, svc *accounts.Service, args []string, out io.Writer) error {
	owner, id, err := messageFlags("show", args)
	if err != nil {
		return err
	}
	msg, err := svc.GetMessage(ctx, owner, id)
	if err != nil {
		return err
	}
	_, err = dumper(out).Println(msg)
	return err
}

func deleteMessage(ctx context.Context, svc *accounts.Service, args []string, out io.Writer) error {
	owner, id, err := messageFlags("delete", args)
	if err != nil {
		return err
	}
	if err := svc.DeleteMessage(ctx, owner, id); err != nil {
		return err
	}
	fmt.Fprintf(out, "deleted message %d\n", id)
	return nil
}
