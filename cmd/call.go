package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/brokerhub/brokerhub-go/pkg/broker"
	"github.com/brokerhub/brokerhub-go/pkg/ipc"
	"github.com/brokerhub/brokerhub-go/pkg/remote"
	"github.com/brokerhub/brokerhub-go/pkg/rpc"
)

var (
	callPipeFlag    string
	callTimeoutFlag time.Duration

	callCmd = &cobra.Command{
		Use:   "call <a> <b>",
		Short: "Invoke the calculator service on a hosted container",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return err
			}
			b, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return err
			}

			pipe := callPipeFlag
			if pipe == "" {
				pipe = viper.GetString("serve.pipe")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeoutFlag)
			defer cancel()

			conn, err := ipc.Dial(ctx, pipe, nil)
			if err != nil {
				return err
			}

			bc, err := remote.ConnectToDuplex(ctx, conn, nil)
			if err != nil {
				return err
			}
			defer bc.Close()

			proxy, err := broker.GetProxy[rpc.Caller](ctx, bc, CalculatorDescriptor, nil)
			if err != nil {
				return err
			}
			if proxy == nil {
				return fmt.Errorf("calculator service is not available on %s", pipe)
			}
			defer proxy.Close()

			var sum float64
			if err := proxy.Invoke(ctx, "add", binaryOperands{A: a, B: b}, &sum); err != nil {
				return err
			}

			log.Info("calculator answered", "a", a, "b", b, "sum", sum)
			return nil
		},
	}
)

func init() {
	rootCmd.AddCommand(callCmd)

	callCmd.Flags().StringVarP(&callPipeFlag, "pipe", "p", "", "Pipe name to connect to (default from config)")
	callCmd.Flags().DurationVar(&callTimeoutFlag, "timeout", 10*time.Second, "Overall call timeout")
}
