package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lazypower/cogmem/internal/memerr"
)

var queryParams []string

var queryCmd = &cobra.Command{
	Use:   "query <pattern>",
	Short: "Run a MATCH/WHERE/RETURN graph query",
	Example: `  cogmem query 'MATCH (a:Document)-[r:CITES]->(b) RETURN a,r,b'
  cogmem query 'MATCH (s:System {user_id: $uid}) RETURN s' --param uid=u1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(queryParams)
		if err != nil {
			return err
		}
		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		res, err := eng.GraphQuery(cmd.Context(), args[0], params)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

// parseParams turns key=value pairs into query parameters. Values that
// parse as JSON keep their JSON type; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, memerr.Validation("param %q: want key=value", p)
		}
		var val any
		if err := json.Unmarshal([]byte(v), &val); err != nil {
			val = v
		}
		params[k] = val
	}
	return params, nil
}

var (
	relateWeight float64
	relateBoth   bool
)

var relateCmd = &cobra.Command{
	Use:   "relate <from> <to> <type>",
	Short: "Create a typed relationship between two nodes",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		var props map[string]any
		if cmd.Flags().Changed("weight") {
			props = map[string]any{"weight": relateWeight}
		}
		out := cmd.OutOrStdout()
		if relateBoth {
			ids, err := eng.Link(args[0], args[1], args[2], props)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, ids[0])
			fmt.Fprintln(out, ids[1])
			return nil
		}
		id, err := eng.AddRelationship(args[0], args[1], args[2], props)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, id)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print vector, graph and learning statistics as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		return printJSON(cmd, eng.Stats())
	},
}

var checkRecover bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Cross-check the graph and vector stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		if checkRecover {
			if err := eng.Recover(); err != nil {
				return fmt.Errorf("recover vectors: %w", err)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "vector store rewritten")
		}
		c, err := eng.CheckConsistency()
		if perr := printJSON(cmd, c); perr != nil {
			return perr
		}
		if err != nil {
			return err
		}
		if !c.OK() {
			return fmt.Errorf("stores are inconsistent: %d nodes without vectors, %d vectors without nodes",
				len(c.NodesWithoutVectors), len(c.VectorsWithoutNodes))
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().StringArrayVar(&queryParams, "param", nil, "query parameter as key=value (repeatable)")

	relateCmd.Flags().Float64Var(&relateWeight, "weight", 1, "relationship weight")
	relateCmd.Flags().BoolVar(&relateBoth, "bidirectional", false, "create edges in both directions")

	checkCmd.Flags().BoolVar(&checkRecover, "recover", false, "rewrite a degraded vector store before checking")
}
