// Command crashverify checks revealed round seeds and signed commitments
// offline, without trusting the server.
package main

import (
	"flag"
	"fmt"
	"os"

	"CrashLedger/internal/decision"
	"CrashLedger/internal/outcome"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
)

func usage() {
	pterm.DefaultSection.Println("crashverify")
	pterm.Println("Usage:")
	pterm.Println("  crashverify round  -server-seed S -client-seed C -nonce N [-hash H]")
	pterm.Println("  crashverify play   -server-seed S -client-seed C -nonce N -choice high|low [-p 0.45]")
	pterm.Println("  crashverify commit -pub P -round ID -hash H -sig SIG")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "round":
		err = verifyRound(os.Args[2:])
	case "play":
		err = verifyPlay(os.Args[2:])
	case "commit":
		err = verifyCommit(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func seedFlags(fs *flag.FlagSet) (server, client *string, nonce *uint64) {
	server = fs.String("server-seed", "", "revealed server seed")
	client = fs.String("client-seed", "", "client seed")
	nonce = fs.Uint64("nonce", 0, "round nonce")
	return
}

func verifyRound(args []string) error {
	fs := flag.NewFlagSet("round", flag.ExitOnError)
	server, client, nonce := seedFlags(fs)
	hash := fs.String("hash", "", "seed hash published before the round")
	fs.Parse(args)

	res, err := outcome.Verify(outcome.VerifyRequest{
		ServerSeed: *server, ClientSeed: *client, Nonce: *nonce, SeedHash: *hash,
	})
	if err != nil {
		return err
	}

	pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Field", "Value"},
		{"Seed hash", res.SeedHash},
		{"Natural crash point", res.CrashPoint.StringFixed(2) + "x"},
	}).Render()

	switch {
	case *hash == "":
		pterm.Info.Println("no published hash given; crash point recomputed only")
	case res.HashMatches:
		pterm.Success.Println("published hash matches the revealed seed")
	default:
		return fmt.Errorf("published hash %s does not match the revealed seed", *hash)
	}
	return nil
}

func verifyPlay(args []string) error {
	fs := flag.NewFlagSet("play", flag.ExitOnError)
	server, client, nonce := seedFlags(fs)
	choice := fs.String("choice", decision.ChoiceHigh, "high or low")
	p := fs.Float64("p", decision.DefaultConfig().WinProbability, "win probability")
	fs.Parse(args)

	if *server == "" {
		return fmt.Errorf("server seed is required")
	}
	roll := decision.Roll(outcome.Seeds{ServerSeed: *server, ClientSeed: *client, Nonce: *nonce})
	won := decision.Wins(*choice, roll, *p)

	pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Field", "Value"},
		{"Seed hash", outcome.HashSeed(*server)},
		{"Roll", fmt.Sprintf("%.8f", roll)},
		{"Choice", *choice},
	}).Render()

	if won {
		pterm.Success.Println("the play wins")
	} else {
		pterm.Warning.Println("the play loses")
	}
	return nil
}

func verifyCommit(args []string) error {
	fs := flag.NewFlagSet("commit", flag.ExitOnError)
	pub := fs.String("pub", "", "operator public key (hex)")
	round := fs.String("round", "", "round id")
	hash := fs.String("hash", "", "seed hash")
	sig := fs.String("sig", "", "signature (hex)")
	fs.Parse(args)

	id, err := uuid.Parse(*round)
	if err != nil {
		return fmt.Errorf("round id: %w", err)
	}
	if err := outcome.VerifyCommitment(*pub, id, *hash, *sig); err != nil {
		return fmt.Errorf("signature rejected: %w", err)
	}
	pterm.Success.Printfln("round %s was committed to %s before betting closed", id, *hash)
	return nil
}
