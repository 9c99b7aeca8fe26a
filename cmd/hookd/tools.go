package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"hookAuction/internal/filter"
	"hookAuction/internal/ledger"
	"hookAuction/internal/model"
	"hookAuction/internal/storage"
	"hookAuction/internal/variables"
)

func newFilterHashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filter-hash",
		Short: "Print the auction key of an event filter",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := filterFromFlags(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), filter.Hash(f).Hex())
			return nil
		},
	}
	cmd.Flags().String("contract", "", "emitting contract address")
	cmd.Flags().String("topic0", "", "event signature hash")
	for i := 1; i <= 3; i++ {
		cmd.Flags().String(fmt.Sprintf("topic%d", i), "", fmt.Sprintf("topic%d value", i))
		cmd.Flags().Bool(fmt.Sprintf("use-topic%d", i), false, fmt.Sprintf("match on topic%d", i))
	}
	return cmd
}

func filterFromFlags(cmd *cobra.Command) (model.EventFilter, error) {
	flags := cmd.Flags()
	contract, _ := flags.GetString("contract")
	if !common.IsHexAddress(contract) {
		return model.EventFilter{}, fmt.Errorf("invalid contract address %q", contract)
	}
	f := model.EventFilter{ContractAddress: common.HexToAddress(contract)}

	topics := make([]common.Hash, 4)
	for i := range topics {
		raw, _ := flags.GetString(fmt.Sprintf("topic%d", i))
		if raw == "" {
			continue
		}
		b, err := hexutil.Decode(raw)
		if err != nil || len(b) > common.HashLength {
			return model.EventFilter{}, fmt.Errorf("invalid topic%d %q", i, raw)
		}
		topics[i] = common.BytesToHash(b)
	}
	f.Topic0, f.Topic1, f.Topic2, f.Topic3 = topics[0], topics[1], topics[2], topics[3]
	f.UseTopic1, _ = flags.GetBool("use-topic1")
	f.UseTopic2, _ = flags.GetBool("use-topic2")
	f.UseTopic3, _ = flags.GetBool("use-topic3")

	if !f.Biddable() {
		return model.EventFilter{}, fmt.Errorf("topic0 is required")
	}
	return f, nil
}

func newValidateTemplateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-template",
		Short: "Check a transaction template against an event ABI",
		RunE:  runValidateTemplate,
	}
	cmd.Flags().String("template", "", "template JSON file")
	cmd.Flags().String("event-abi", "", "event ABI fragment JSON file")
	return cmd
}

func runValidateTemplate(cmd *cobra.Command, _ []string) error {
	tplPath, _ := cmd.Flags().GetString("template")
	abiPath, _ := cmd.Flags().GetString("event-abi")
	if tplPath == "" || abiPath == "" {
		return fmt.Errorf("template and event-abi are required")
	}

	data, err := os.ReadFile(tplPath)
	if err != nil {
		return fmt.Errorf("read template: %w", err)
	}
	var tpl model.TransactionTemplate
	if err := json.Unmarshal(data, &tpl); err != nil {
		return fmt.Errorf("parse template: %w", err)
	}
	eventABI, err := os.ReadFile(abiPath)
	if err != nil {
		return fmt.Errorf("read event abi: %w", err)
	}

	out := cmd.OutOrStdout()
	err = variables.ValidateTemplate(tpl, string(eventABI))
	var verrs variables.ValidationErrors
	if errors.As(err, &verrs) {
		for _, ve := range verrs {
			fmt.Fprintf(out, "%s: %s\n", ve.Field, ve.Message)
		}
		return fmt.Errorf("template %s has %d problem(s)", tpl.ID, len(verrs))
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "template %s ok: %d call(s), %d variable(s)\n", tpl.ID, len(tpl.Calls), len(tpl.RequiredVariables))
	return nil
}

func newSignWithdrawalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign-withdrawal",
		Short: "Sign a withdrawal authorization with the executor key",
		RunE:  runSignWithdrawal,
	}
	cmd.Flags().String("key", "", "hex private key of the ledger executor")
	cmd.Flags().String("filter-hash", "", "auction key")
	cmd.Flags().String("vault", "", "vault receiving the proceeds")
	cmd.Flags().Uint64("nonce", 0, "executor nonce")
	cmd.Flags().String("ledger", "", "ledger contract address")
	return cmd
}

func runSignWithdrawal(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	rawKey, _ := flags.GetString("key")
	fh, _ := flags.GetString("filter-hash")
	vault, _ := flags.GetString("vault")
	nonce, _ := flags.GetUint64("nonce")
	ledgerAddr, _ := flags.GetString("ledger")

	key, err := crypto.HexToECDSA(strings.TrimPrefix(rawKey, "0x"))
	if err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}
	hash, err := hexutil.Decode(fh)
	if err != nil || len(hash) != common.HashLength {
		return fmt.Errorf("invalid filter-hash %q", fh)
	}
	if !common.IsHexAddress(vault) || !common.IsHexAddress(ledgerAddr) {
		return fmt.Errorf("vault and ledger must be addresses")
	}

	sig, err := ledger.SignWithdrawal(key, common.BytesToHash(hash), common.HexToAddress(vault), nonce, common.HexToAddress(ledgerAddr))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hexutil.Encode(sig))
	return nil
}

func newJournalStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal-stats",
		Short: "Summarize a detected events journal per filter",
		RunE:  runJournalStats,
	}
	cmd.Flags().String("file", "./data/events.jsonl", "detected events JSONL journal")
	return cmd
}

func runJournalStats(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")
	events, err := storage.ReadJournal(path)
	if err != nil {
		return err
	}

	type stat struct {
		name   string
		events int
		last   uint64
	}
	byFilter := make(map[common.Hash]*stat)
	for _, ev := range events {
		st, ok := byFilter[ev.FilterHash]
		if !ok {
			st = &stat{name: ev.Signature.Name}
			byFilter[ev.FilterHash] = st
		}
		st.events++
		if ev.BlockNumber > st.last {
			st.last = ev.BlockNumber
		}
	}
	hashes := make([]common.Hash, 0, len(byFilter))
	for h := range byFilter {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool {
		a, b := byFilter[hashes[i]], byFilter[hashes[j]]
		if a.events != b.events {
			return a.events > b.events
		}
		return hashes[i].Hex() < hashes[j].Hex()
	})

	out := cmd.OutOrStdout()
	for _, h := range hashes {
		st := byFilter[h]
		fmt.Fprintf(out, "%s %s events=%d last_block=%d\n", h.Hex(), st.name, st.events, st.last)
	}
	fmt.Fprintf(out, "%d event(s), %d filter(s)\n", len(events), len(byFilter))
	return nil
}
