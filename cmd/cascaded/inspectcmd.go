// Copyright 2025 The Captely Authors
// This file is part of the cascade library.
//
// The cascade library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The cascade library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the cascade library. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/captely/cascade/config"
	"github.com/captely/cascade/core/types"
	"github.com/captely/cascade/kvdb"
	"github.com/captely/cascade/store"
)

// ledgerTail is how many trailing ledger entries inspect balance shows.
const ledgerTail = 20

var inspectFlags = []cli.Flag{configFlag, datadirFlag}

var inspectCommand = &cli.Command{
	Name:      "inspect",
	Usage:     "Read a node's data directory without running it",
	ArgsUsage: " ",
	Description: `Offline views over a cascaded data directory: stored jobs, the contacts
of one job, and a user's credit standing. The directory must not be held
open by a running node; LevelDB locks it.`,
	Subcommands: []*cli.Command{
		{
			Action:    inspectJobs,
			Name:      "jobs",
			Usage:     "List stored jobs",
			ArgsUsage: " ",
			Flags:     append([]cli.Flag{ownerFlag}, inspectFlags...),
		},
		{
			Action:    inspectJob,
			Name:      "job",
			Usage:     "Show one job and its contacts",
			ArgsUsage: "<id>",
			Flags:     inspectFlags,
		},
		{
			Action:    inspectBalance,
			Name:      "balance",
			Usage:     "Show a user's credits, consumption and recent ledger entries",
			ArgsUsage: "<user>",
			Flags:     inspectFlags,
		},
	},
}

// resolveDataDir picks the data directory for offline commands: the
// --datadir flag wins, then the --config file, then the default.
func resolveDataDir(ctx *cli.Context) (string, error) {
	if ctx.IsSet(datadirFlag.Name) {
		return ctx.String(datadirFlag.Name), nil
	}
	if path := ctx.String(configFlag.Name); path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return "", err
		}
		if cfg.DataDir != "" {
			return cfg.DataDir, nil
		}
	}
	return defaultDataDir(), nil
}

func openStore(ctx *cli.Context) (*kvdb.LevelDB, error) {
	datadir, err := resolveDataDir(ctx)
	if err != nil {
		return nil, err
	}
	db, err := kvdb.NewLevelDB(storePath(datadir), 0, 0, true)
	if err != nil {
		return nil, fmt.Errorf("open store at %s (is the node running?): %w", datadir, err)
	}
	return db, nil
}

func newTable(headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(headers)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func inspectJobs(ctx *cli.Context) error {
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	jobs, err := store.ReadAllJobs(db)
	if err != nil {
		return err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })

	owner := ctx.String(ownerFlag.Name)
	table := newTable("ID", "Owner", "State", "Origin", "Progress", "Enriched", "Not Found", "Failed", "Created")
	for _, job := range jobs {
		if owner != "" && job.Owner != owner {
			continue
		}
		table.Append([]string{
			job.ID.String(),
			job.Owner,
			string(job.State),
			string(job.Origin),
			fmt.Sprintf("%d/%d", job.Completed, job.Total),
			strconv.Itoa(job.Counts.Enriched),
			strconv.Itoa(job.Counts.NotFound),
			strconv.Itoa(job.Counts.Failed),
			job.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	table.Render()
	return nil
}

func inspectJob(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("job wants exactly one argument, the job id")
	}
	id, err := uuid.Parse(ctx.Args().First())
	if err != nil {
		return fmt.Errorf("invalid job id: %w", err)
	}
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	job, err := store.ReadJob(db, id)
	if errors.Is(err, kvdb.ErrNotFound) {
		return fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Job:      %s\n", job.ID)
	fmt.Printf("Owner:    %s\n", job.Owner)
	fmt.Printf("State:    %s\n", job.State)
	fmt.Printf("Origin:   %s\n", job.Origin)
	fmt.Printf("Progress: %d/%d (enriched %d, not found %d, failed %d)\n",
		job.Completed, job.Total, job.Counts.Enriched, job.Counts.NotFound, job.Counts.Failed)
	if job.PartialReason != "" {
		fmt.Printf("Partial:  %s\n", job.PartialReason)
	}
	fmt.Printf("Created:  %s\n", job.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Println()

	ids, err := store.ReadJobContactIDs(db, id, 0, 0)
	if err != nil {
		return err
	}
	table := newTable("Name", "Company", "Email", "Phone", "Status", "Score", "Provider")
	for _, cid := range ids {
		contact, err := store.ReadContact(db, cid)
		if errors.Is(err, kvdb.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		score := ""
		if contact.EnrichmentStatus == types.StatusEnriched {
			score = strconv.FormatFloat(contact.EnrichmentScore, 'f', 2, 64)
		}
		table.Append([]string{
			strings.TrimSpace(contact.FirstName + " " + contact.LastName),
			contact.Company,
			contact.Email,
			contact.Phone,
			string(contact.EnrichmentStatus),
			score,
			contact.EnrichmentProvider,
		})
	}
	table.Render()
	return nil
}

func inspectBalance(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("balance wants exactly one argument, the user id")
	}
	user := ctx.Args().First()
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	balance, err := store.ReadBalance(db, user)
	if errors.Is(err, kvdb.ErrNotFound) {
		return fmt.Errorf("no balance recorded for user %q", user)
	}
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	today, err := store.ReadDayCounter(db, user, now.Format("2006-01-02"))
	if err != nil {
		return err
	}
	month, err := store.ReadMonthCounter(db, user, now.Format("2006-01"))
	if err != nil {
		return err
	}
	perProvider, err := store.ReadProviderCounters(db, user, now.Format("2006-01"))
	if err != nil {
		return err
	}

	fmt.Printf("User:      %s\n", user)
	fmt.Printf("Remaining: %s (total %s, used %s, expired %s)\n",
		balance.Remaining(), balance.Total, balance.Used, balance.Expired)
	fmt.Printf("Consumed:  %s today, %s this month\n", today, month)
	if len(perProvider) > 0 {
		names := make([]string, 0, len(perProvider))
		for name := range perProvider {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s %s", name, perProvider[name]))
		}
		fmt.Printf("Providers: %s\n", strings.Join(parts, ", "))
	}
	fmt.Println()

	seq, err := store.ReadLedgerSeq(db, user)
	if err != nil {
		return err
	}
	from := uint64(1)
	if seq > ledgerTail {
		from = seq - ledgerTail + 1
	}
	entries, err := store.ReadLedgerEntries(db, user, from, ledgerTail)
	if err != nil {
		return err
	}
	table := newTable("Seq", "Operation", "Provider", "Contact", "Cost", "Success", "Created")
	for _, entry := range entries {
		contact := ""
		if entry.ContactID != uuid.Nil {
			contact = entry.ContactID.String()
		}
		table.Append([]string{
			strconv.FormatUint(entry.Seq, 10),
			string(entry.Operation),
			entry.Provider,
			contact,
			entry.Cost.String(),
			strconv.FormatBool(entry.Success),
			entry.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	table.Render()
	return nil
}
