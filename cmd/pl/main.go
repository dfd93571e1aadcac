package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"payline/internal/bridge"
	"payline/internal/config"
	"payline/internal/db"
	"payline/internal/engine"
	"payline/internal/migrate"
	"payline/internal/repo"
	"payline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Payline CLI",
	Long: `Payline coordinates payments made by autonomous agents.
Core concepts:
- Agents: registered actors with a public key, a wallet, and a spending limit.
- Mandates: signed spending authorizations an agent carries; anyone holding the
  agent key can verify a mandate has not been tampered with or expired.
- Consensus: a transaction over a threshold is put to a validator vote;
  enough approvals authorize it, enough total votes without approval fail it.
- Execution: an authorized transaction moves funds over the Bridge rail and
  lands in the initiator's action ledger.
- Actions: the append-only spending ledger per agent, view with 'pl action list'.
- Event log: diary of changes, view with 'pl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PAYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("owner-id", "local-user", "owner identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("owner-id", rootCmd.PersistentFlags().Lookup("owner-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(mandateCmd())
	rootCmd.AddCommand(consensusCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var environment string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default payline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(environment)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&environment, "environment", "sandbox", "bridge environment (sandbox, production)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate payline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
		Long:  "Agents are the registered actors. Each has an owner, a public key, an optional wallet, and a spending limit that the action ledger is measured against.",
	}
	agent.AddCommand(agentRegisterCmd())
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentShowCmd())
	agent.AddCommand(agentUpdateCmd())
	agent.AddCommand(agentLimitCmd())
	agent.AddCommand(agentActiveCmd("activate", true))
	agent.AddCommand(agentActiveCmd("deactivate", false))
	agent.AddCommand(agentSpendingCmd())
	return agent
}

func agentRegisterCmd() *cobra.Command {
	var opts engine.RegisterAgentOptions
	var configJSON string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.OwnerID = viper.GetString("owner-id")
			opts.ActorID = opts.OwnerID
			if configJSON != "" {
				if err := json.Unmarshal([]byte(configJSON), &opts.Config); err != nil {
					return fmt.Errorf("invalid --config-json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RegisterAgent(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "agent id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringVar(&opts.Type, "type", "", "agent type (shopping, trading, payment, custom)")
	cmd.Flags().StringVar(&opts.Role, "role", "", "agent role (initiator, validator, executor)")
	cmd.Flags().StringVar(&opts.PublicKey, "public-key", "", "public key")
	cmd.Flags().StringVar(&opts.WalletID, "wallet-id", "", "bridge wallet id")
	cmd.Flags().Float64Var(&opts.SpendingLimit, "spending-limit", 0, "spending limit")
	cmd.Flags().StringVar(&configJSON, "config-json", "", "agent config JSON")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("public-key")
	return cmd
}

func agentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents for the owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agents, err := e.ListAgents(ctx, viper.GetString("owner-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Limit", "Active"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Role, a.SpendingLimit, a.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func agentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func agentUpdateCmd() *cobra.Command {
	var name, role, walletID, configJSON string
	var limit float64
	var active bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch repo.AgentPatch
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("role") {
				patch.Role = &role
			}
			if cmd.Flags().Changed("wallet-id") {
				patch.WalletID = &walletID
			}
			if cmd.Flags().Changed("spending-limit") {
				patch.SpendingLimit = &limit
			}
			if cmd.Flags().Changed("active") {
				patch.Active = &active
			}
			if cmd.Flags().Changed("config-json") {
				patch.ConfigJSON = &configJSON
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UpdateAgent(ctx, args[0], patch, viper.GetString("owner-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().StringVar(&role, "role", "", "role")
	cmd.Flags().StringVar(&walletID, "wallet-id", "", "bridge wallet id")
	cmd.Flags().Float64Var(&limit, "spending-limit", 0, "spending limit")
	cmd.Flags().BoolVar(&active, "active", true, "active flag")
	cmd.Flags().StringVar(&configJSON, "config-json", "", "agent config JSON")
	return cmd
}

func agentLimitCmd() *cobra.Command {
	var limit float64
	cmd := &cobra.Command{
		Use:   "limit <id>",
		Short: "Set spending limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SetSpendingLimit(ctx, args[0], limit, viper.GetString("owner-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Float64Var(&limit, "amount", 0, "spending limit")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func agentActiveCmd(use string, active bool) *cobra.Command {
	short := "Deactivate an agent"
	if active {
		short = "Activate an agent"
	}
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SetAgentActive(ctx, args[0], active, viper.GetString("owner-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func agentSpendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spending <id>",
		Short: "Show spending summary against the agent's limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SpendingSummary(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Agent: %s\n", s.AgentID)
				fmt.Printf("Limit: %.2f  Spent: %.2f  Remaining: %.2f  (%d actions)\n",
					s.SpendingLimit, s.SpentAmount, s.RemainingBudget, s.TotalActions)
				return nil
			})
		},
	}
	return cmd
}

func mandateCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "mandate",
		Short: "Manage spending mandates",
		Long:  "Mandates are signed spending authorizations. The signature covers the mandate body and the agent key, so any tampering or expiry makes verification fail.",
	}
	m.AddCommand(mandateCreateCmd())
	m.AddCommand(mandateShowCmd())
	m.AddCommand(mandateListCmd())
	m.AddCommand(mandateVerifyCmd())
	return m
}

func mandateCreateCmd() *cobra.Command {
	var opts engine.CreateMandateOptions
	var metadataJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and sign a mandate",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("owner-id")
			if metadataJSON != "" {
				if err := json.Unmarshal([]byte(metadataJSON), &opts.Metadata); err != nil {
					return fmt.Errorf("invalid --metadata-json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMandate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AgentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&opts.Type, "type", "", "mandate type (intent, cart)")
	cmd.Flags().Float64Var(&opts.Amount, "amount", 0, "amount")
	cmd.Flags().StringVar(&opts.Currency, "currency", "", "currency")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.ExpiryHours, "expiry-hours", 0, "hours until expiry (config default when omitted)")
	cmd.Flags().StringVar(&metadataJSON, "metadata-json", "", "metadata JSON")
	cmd.Flags().StringVar(&opts.AgentKey, "agent-key", "", "agent signing key")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("currency")
	_ = cmd.MarkFlagRequired("agent-key")
	return cmd
}

func mandateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a mandate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.GetMandate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func mandateListCmd() *cobra.Command {
	var agentID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List mandates for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMandatesByAgent(ctx, agentID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Amount", "Currency", "Expires"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Type, m.Amount, m.Currency, m.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func mandateVerifyCmd() *cobra.Command {
	var agentKey string
	cmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Verify a stored mandate against an agent key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				valid, err := e.VerifyStoredMandate(ctx, args[0], agentKey)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"valid": valid})
				}
				if valid {
					fmt.Println("mandate valid")
				} else {
					fmt.Println("mandate INVALID (tampered, expired, or wrong key)")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentKey, "agent-key", "", "agent signing key")
	_ = cmd.MarkFlagRequired("agent-key")
	return cmd
}

func consensusCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "consensus",
		Short: "Manage consensus transactions",
		Long:  "Consensus transactions go pending -> authorized -> completed, or pending -> failed. Enough approvals authorize; enough votes without the approvals fail. Execution moves funds over the Bridge rail.",
	}
	c.AddCommand(consensusInitiateCmd())
	c.AddCommand(consensusShowCmd())
	c.AddCommand(consensusListCmd())
	c.AddCommand(consensusVoteCmd())
	c.AddCommand(consensusExecuteCmd())
	return c
}

func consensusInitiateCmd() *cobra.Command {
	var opts engine.InitiateOptions
	cmd := &cobra.Command{
		Use:   "initiate",
		Short: "Open a pending consensus transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("owner-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.InitiateTransaction(ctx, opts)
				if err != nil {
					return err
				}
				for _, w := range res.Warnings {
					fmt.Fprintln(os.Stderr, "warning:", w)
				}
				return printJSONOrTable(res.Transaction)
			})
		},
	}
	cmd.Flags().StringVar(&opts.InitiatorID, "initiator", "", "initiator agent id")
	cmd.Flags().StringArrayVar(&opts.ValidatorIDs, "validator", []string{}, "validator agent id (repeatable)")
	cmd.Flags().Float64Var(&opts.Amount, "amount", 0, "amount")
	cmd.Flags().StringVar(&opts.Currency, "currency", "", "currency")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.RequiredVotes, "required-votes", 0, "explicit approval count (threshold default when omitted)")
	_ = cmd.MarkFlagRequired("initiator")
	_ = cmd.MarkFlagRequired("validator")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("currency")
	return cmd
}

func consensusShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a transaction and its votes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTransaction(ctx, args[0])
				if err != nil {
					return err
				}
				votes, err := e.TransactionVotes(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"transaction": t, "votes": votes})
			})
		},
	}
	return cmd
}

func consensusListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTransactions(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Initiator", "Amount", "Currency", "Required", "Status"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.InitiatorID, t.Amount, t.Currency, t.RequiredVotes, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, authorized, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func consensusVoteCmd() *cobra.Command {
	var agentID, signature string
	var approve, reject bool
	cmd := &cobra.Command{
		Use:   "vote <transaction-id>",
		Short: "Cast a validator vote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.SubmitVote(ctx, args[0], agentID, approve, signature, viper.GetString("owner-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "voting agent id")
	cmd.Flags().BoolVar(&approve, "approve", false, "vote approve")
	cmd.Flags().BoolVar(&reject, "reject", false, "vote reject")
	cmd.Flags().StringVar(&signature, "signature", "", "vote signature")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func consensusExecuteCmd() *cobra.Command {
	var fromWallet, toWallet string
	cmd := &cobra.Command{
		Use:   "execute <transaction-id>",
		Short: "Execute an authorized transaction over the Bridge rail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ExecuteTransaction(ctx, args[0], fromWallet, toWallet, viper.GetString("owner-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&fromWallet, "from-wallet", "", "source bridge wallet id")
	cmd.Flags().StringVar(&toWallet, "to-wallet", "", "destination bridge wallet id")
	_ = cmd.MarkFlagRequired("from-wallet")
	_ = cmd.MarkFlagRequired("to-wallet")
	return cmd
}

func actionCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "action",
		Short: "Agent action ledger",
		Long:  "Actions are the append-only spending ledger per agent. Completed actions with an amount count against the agent's spending limit.",
	}
	a.AddCommand(actionLogCmd())
	a.AddCommand(actionListCmd())
	return a
}

func actionLogCmd() *cobra.Command {
	var opts engine.LogActionOptions
	var metadataJSON string
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Append an action to the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("owner-id")
			if metadataJSON != "" {
				if err := json.Unmarshal([]byte(metadataJSON), &opts.Metadata); err != nil {
					return fmt.Errorf("invalid --metadata-json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.LogAgentAction(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AgentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&opts.ActionType, "type", "", "action type (purchase, trade, consensus_payment, ...)")
	cmd.Flags().Float64Var(&opts.Amount, "amount", 0, "amount")
	cmd.Flags().StringVar(&opts.Currency, "currency", "", "currency")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status (pending, completed, failed)")
	cmd.Flags().StringVar(&metadataJSON, "metadata-json", "", "metadata JSON")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func actionListCmd() *cobra.Command {
	var agentID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent actions for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.AgentActions(ctx, agentID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Amount", "Currency", "Status", "Created"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.ActionType, a.Amount, a.Currency, a.Status, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plaintext, err := e.CreateAPIKey(ctx, viper.GetString("owner-id"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "name": key.Name, "key": plaintext})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, plaintext)
				fmt.Println("store the key now; only its hash is kept")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("owner-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: registrations, mandates, votes, authorizations, executions.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var before int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, n, before)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&before, "before", 0, "only events with id below this")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyOwner bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			jwtSecret := cfg.Auth.JWTSecret
			if env := os.Getenv("PAYLINE_JWT_SECRET"); env != "" {
				jwtSecret = env
			}
			if jwtSecret == "" && !allowLegacyOwner {
				return fmt.Errorf("a JWT secret is required for bearer auth; set auth.jwt_secret or PAYLINE_JWT_SECRET")
			}
			e := engine.New(conn, cfg, railFromConfig(cfg))
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: jwtSecret, AllowLegacyOwnerHeader: allowLegacyOwner},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Payline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacyOwner, "allow-legacy-owner-header", false, "accept the deprecated X-Owner-Id header")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func railFromConfig(cfg *config.Config) bridge.Transferrer {
	client := bridge.New(cfg.Bridge.Environment, cfg.Bridge.APIKey)
	if cfg.Bridge.BaseURL != "" {
		client.BaseURL = cfg.Bridge.BaseURL
	}
	if cfg.Bridge.TimeoutSeconds > 0 {
		client.Timeout = time.Duration(cfg.Bridge.TimeoutSeconds) * time.Second
	}
	return client
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, railFromConfig(cfg))
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
