package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(walletCmd)
	walletCmd.AddCommand(walletPickCmd, walletRegisterCmd, walletDisableCmd, walletListCmd, walletHealthCmd, walletRebalanceCmd)

	walletHealthCmd.Flags().Int64("threshold", -1, "Skew threshold (default ROTATION_SKEW_THRESHOLD)")
}

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Maintain the wallet rotation pools",
}

var walletPickCmd = &cobra.Command{
	Use:   "pick NETWORK CURRENCY",
	Short: "Allocate the next address of a pool",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		alloc, err := s.Allocator.Pick(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(cmd, alloc)
	},
}

var walletRegisterCmd = &cobra.Command{
	Use:   "register ADDRESS NETWORK CURRENCY",
	Short: "Add a receiving address to its pool",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		w, err := s.Allocator.Register(cmd.Context(), args[0], args[1], args[2])
		if err != nil {
			return err
		}
		return printJSON(cmd, w)
	},
}

var walletDisableCmd = &cobra.Command{
	Use:   "disable WALLET_ID",
	Short: "Take a wallet out of rotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Allocator.Disable(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wallet %s disabled\n", args[0])
		return nil
	},
}

var walletListCmd = &cobra.Command{
	Use:   "list NETWORK CURRENCY",
	Short: "List a pool in rotation order",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		wallets, err := s.Allocator.Wallets(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(cmd, wallets)
	},
}

var walletHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report the rotation balance of every pool",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		threshold, _ := cmd.Flags().GetInt64("threshold")
		if threshold < 0 {
			threshold = s.Config.RotationSkewThreshold
		}
		pools, err := s.Allocator.Health(cmd.Context(), threshold)
		if err != nil {
			return err
		}
		return printJSON(cmd, pools)
	},
}

var walletRebalanceCmd = &cobra.Command{
	Use:   "rebalance NETWORK CURRENCY",
	Short: "Even out the shown counts of a pool",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		n, err := s.Allocator.Rebalance(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d wallets rebalanced\n", n)
		return nil
	},
}
