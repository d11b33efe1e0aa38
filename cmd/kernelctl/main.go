package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"synnergy-network/core"
	"synnergy-network/pkg/config"
)

var (
	db            *core.MemoryDatabase
	sys           *core.System
	log           *logrus.Logger
	costUnitLimit uint64
)

func ensureSystem(cmd *cobra.Command, args []string) error {
	if sys != nil {
		return nil
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		cfg = &config.Config{}
		cfg.Costing.CostUnitLimit = 100_000_000
		cfg.Costing.WasmGasLimit = 10_000_000
		cfg.Costing.MaxInvokeDepth = 32
		cfg.Costing.InvokesPerSecond = 1000
		cfg.Costing.MaxTransactionMillis = 30000
		cfg.Logging.Level = "info"
	}

	log = logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	level, lerr := logrus.ParseLevel(cfg.Logging.Level)
	if lerr != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	reg := core.NewNativeRegistry()
	core.RegisterResourceManagerBlueprint(reg)
	core.RegisterVaultBlueprints(reg)
	core.RegisterEpochManagerBlueprint(reg, nil)
	core.RegisterAccessControllerBlueprint(reg)

	fee := core.NewFeeReserve(cfg.Costing.CostUnitLimit)
	maxDuration := time.Duration(cfg.Costing.MaxTransactionMillis) * time.Millisecond
	mixer := core.NewModuleMixer(cfg.Costing.MaxInvokeDepth, cfg.Costing.InvokesPerSecond, maxDuration, fee, core.DefaultFeeTable(), log)
	sys = core.NewSystem(mixer, reg, core.NewWasmerEngine(), core.NewGasReserve(cfg.Costing.WasmGasLimit))
	core.RegisterAccountBlueprint(reg, sys)

	costUnitLimit = cfg.Costing.CostUnitLimit
	db = core.NewMemoryDatabase()
	return nil
}

// newTransaction opens a fresh Kernel/Track/FeeReserve triple bound to the
// shared System, the way each submitted transaction would in a real node —
// one Kernel per transaction, never reused across them.
func newTransaction() (*core.Kernel, *core.Track) {
	track := core.NewTrack(db)
	var hash [32]byte
	copy(hash[:], crypto.Keccak256([]byte(fmt.Sprintf("kernelctl-%d", time.Now().UnixNano()))))
	k := core.NewKernel(hash, track, sys, nil)
	fee := core.NewFeeReserve(costUnitLimit)
	k.SetFeeReserve(fee)
	sys.Auth.Bind(k)
	return k, track
}

var rootCmd = &cobra.Command{
	Use:               "kernelctl",
	Short:             "Drive the execution kernel through a canned manifest",
	PersistentPreRunE: ensureSystem,
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Create a resource, mint a supply, deposit and withdraw part of it, and print the receipt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		k, track := newTransaction()

		rmRet, err := k.Invoke(core.Invocation{
			Callee: core.ResourceManagerBlueprintId, Export: "create", Kind: core.ActorFunction,
			Args: []byte{1, 0},
		})
		if err != nil {
			return fmt.Errorf("create resource manager: %w", err)
		}
		var rmAddr core.NodeId
		copy(rmAddr[:], rmRet)

		mintArgs := make([]byte, 8)
		binary.LittleEndian.PutUint64(mintArgs, 1_000_000)
		bucketRet, err := k.Invoke(core.Invocation{
			Callee: core.ResourceManagerBlueprintId, Receiver: &rmAddr, Export: "mint", Kind: core.ActorMethod,
			Args: mintArgs,
		})
		if err != nil {
			return fmt.Errorf("mint: %w", err)
		}
		var bucketID core.NodeId
		copy(bucketID[:], bucketRet)

		accountID := k.AllocateNodeId(core.EntityGlobalAccount)
		if err := k.CreateNode(accountID, nil); err != nil {
			return fmt.Errorf("create account: %w", err)
		}
		k.SetObject(accountID, &core.AccountState{VaultOf: make(map[core.NodeId]core.NodeId)})

		if _, err := k.Invoke(core.Invocation{
			Callee: core.AccountBlueprintId, Receiver: &accountID, Export: "deposit", Kind: core.ActorMethod,
			Args: bucketID[:], Message: core.Message{MovedNodes: []core.NodeId{bucketID}},
		}); err != nil {
			return fmt.Errorf("deposit: %w", err)
		}

		withdrawArgs := make([]byte, len(rmAddr)+8)
		copy(withdrawArgs, rmAddr[:])
		binary.LittleEndian.PutUint64(withdrawArgs[len(rmAddr):], 250_000)

		tp := core.NewTransactionProcessor(k, sys)
		m := &core.Manifest{
			Instructions: []core.Instruction{
				{Kind: core.InstrCallMethod, Callee: core.AccountBlueprintId, Receiver: &accountID, Export: "withdraw", Args: withdrawArgs},
				{Kind: core.InstrAssertWorktopContains, Resource: rmAddr, Amount: 250_000},
			},
			FeePayer: &accountID,
		}

		receipt := core.BuildReceipt(k, track, sys.ModuleMixer, tp, m)
		db.Apply(receipt.StateUpdates)

		fmt.Printf("status: %s\n", receipt.Status)
		fmt.Printf("resource manager: %s\n", rmAddr)
		fmt.Printf("account: %s\n", accountID)
		fmt.Printf("cost units spent: %d\n", receipt.Fees.CostUnitsSpent)
		fmt.Printf("xrd locked: %d\n", receipt.Fees.XrdLocked)
		fmt.Printf("events: %d\n", len(receipt.Events))
		if receipt.Error != nil {
			fmt.Printf("error: %v\n", receipt.Error)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
