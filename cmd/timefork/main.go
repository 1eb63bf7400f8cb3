package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/timefork/timefork"
)

var (
	storeDir string

	queryAt     uint64
	queryBranch string
	queryIndex  string
	queryOp     string
	queryText   string
	queryLong   int64
	queryDouble float64
	queryKind   string
	queryCI     bool
)

func openStore() (*timefork.IndexManager, error) {
	return timefork.Open(storeDir, timefork.Options{})
}

var rootCmd = &cobra.Command{
	Use:   "timefork",
	Short: "inspect and query a timefork index store",
}

var branchesCmd = &cobra.Command{
	Use:   "branches",
	Short: "list branches and their fork points",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openStore()
		if err != nil {
			return err
		}
		defer m.Close()
		branches := m.Branches()
		sort.Slice(branches, func(i, j int) bool { return branches[i].Name < branches[j].Name })
		for _, b := range branches {
			if b.Root() {
				fmt.Printf("%s (root)\n", b.Name)
			} else {
				fmt.Printf("%s (from %s at %d)\n", b.Name, b.Origin, b.Creation)
			}
		}
		return nil
	},
}

var indexersCmd = &cobra.Command{
	Use:   "indexers",
	Short: "list registered indexer definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openStore()
		if err != nil {
			return err
		}
		defer m.Close()
		indexers, err := m.Backend().LoadIndexers()
		if err != nil {
			return err
		}
		for index, defs := range indexers {
			for _, def := range defs {
				fmt.Printf("%s\t%s\t%s\n", index, def.Kind, def.ID)
			}
		}
		return nil
	},
}

var dirtyCmd = &cobra.Command{
	Use:   "dirty",
	Short: "show per-index dirty flags",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openStore()
		if err != nil {
			return err
		}
		defer m.Close()
		states, err := m.DirtyIndices()
		if err != nil {
			return err
		}
		for index, dirty := range states {
			fmt.Printf("%s\t%v\n", index, dirty)
		}
		return nil
	},
}

func conditionFromOp(op string) (timefork.Condition, error) {
	switch op {
	case "=", "eq":
		return timefork.Equals, nil
	case "!=", "ne":
		return timefork.NotEquals, nil
	case "<", "lt":
		return timefork.LessThan, nil
	case "<=", "le":
		return timefork.LessOrEqual, nil
	case ">", "gt":
		return timefork.GreaterThan, nil
	case ">=", "ge":
		return timefork.GreaterOrEqual, nil
	case "contains":
		return timefork.Contains, nil
	case "prefix":
		return timefork.StartsWith, nil
	}
	return 0, fmt.Errorf("unknown operator %q", op)
}

func buildSpec() (timefork.SearchSpec, error) {
	cond, err := conditionFromOp(queryOp)
	if err != nil {
		return timefork.SearchSpec{}, err
	}
	switch queryKind {
	case "text":
		mode := timefork.MatchStrict
		if queryCI {
			mode = timefork.MatchCaseInsensitive
		}
		return timefork.NewTextSearch(queryIndex, cond, mode, queryText)
	case "long":
		return timefork.NewLongSearch(queryIndex, cond, queryLong)
	case "double":
		return timefork.NewDoubleSearch(queryIndex, cond, queryDouble)
	}
	return timefork.SearchSpec{}, fmt.Errorf("unknown value kind %q", queryKind)
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "run a point-in-time attribute query",
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := buildSpec()
		if err != nil {
			return err
		}
		m, err := openStore()
		if err != nil {
			return err
		}
		defer m.Close()
		set, err := m.Query(context.Background(), queryAt, queryBranch, spec)
		if err != nil {
			return err
		}
		ids := make([]timefork.LogicalIdentifier, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			if ids[i].Keyspace != ids[j].Keyspace {
				return ids[i].Keyspace < ids[j].Keyspace
			}
			return ids[i].Key < ids[j].Key
		})
		for _, id := range ids {
			fmt.Printf("%s/%s/%s @ %d\n", id.Branch, id.Keyspace, id.Key, id.Timestamp)
		}
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&storeDir, "dir", ".", "index store directory")

	queryCmd.Flags().Uint64Var(&queryAt, "at", 0, "query timestamp")
	queryCmd.Flags().StringVar(&queryBranch, "branch", timefork.MainBranch, "branch to query")
	queryCmd.Flags().StringVar(&queryIndex, "index", "", "index name")
	queryCmd.Flags().StringVar(&queryOp, "op", "=", "operator: = != < <= > >= contains prefix")
	queryCmd.Flags().StringVar(&queryKind, "kind", "text", "value kind: text long double")
	queryCmd.Flags().StringVar(&queryText, "text", "", "text value")
	queryCmd.Flags().Int64Var(&queryLong, "long", 0, "integer value")
	queryCmd.Flags().Float64Var(&queryDouble, "double", 0, "floating-point value")
	queryCmd.Flags().BoolVar(&queryCI, "ci", false, "case-insensitive text match")
	_ = queryCmd.MarkFlagRequired("index")

	rootCmd.AddCommand(branchesCmd, indexersCmd, dirtyCmd, queryCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
