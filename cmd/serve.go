package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/brokerhub/brokerhub-go/pkg/broker"
	"github.com/brokerhub/brokerhub-go/pkg/container"
	"github.com/brokerhub/brokerhub-go/pkg/relay"
	"github.com/brokerhub/brokerhub-go/pkg/rpc"
)

var (
	pipeFlag      string
	oneClientFlag bool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Host a service container on a named pipe",
		Long:  longServe,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.Default()

			c := container.New(logger)
			registerDemoServices(c)

			pipe := pipeFlag
			if pipe == "" {
				pipe = viper.GetString("serve.pipe")
			}

			server, err := relay.HostOnPipe(pipe, c.GetFullAccessServiceBroker(), &relay.HostOptions{
				OneClientOnly:   oneClientFlag || viper.GetBool("serve.one_client_only"),
				CurrentUserOnly: viper.GetBool("serve.current_user_only"),
				Logger:          logger,
			})
			if err != nil {
				return err
			}
			defer server.Close()

			logger.Info("container hosted", "pipe", server.Addr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			logger.Info("shutting down")
			return c.Close()
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&pipeFlag, "pipe", "p", "", "Pipe name to listen on (default from config)")
	serveCmd.Flags().BoolVar(&oneClientFlag, "one-client", false, "Stop listening after the first consumer connects")
}

// CalculatorDescriptor describes the demo calculator service.
var CalculatorDescriptor = rpc.MustDescriptor(
	broker.NewVersionedServiceMoniker("calculator", "1.0"),
	broker.FormatterUTF8JSON,
	broker.DelimiterBigEndianInt32,
)

// EchoDescriptor describes the demo echo service.
var EchoDescriptor = rpc.MustDescriptor(
	broker.NewVersionedServiceMoniker("echo", "1.0"),
	broker.FormatterUTF8JSON,
	broker.DelimiterBigEndianInt32,
)

func registerDemoServices(c *container.Container) {
	c.Register(CalculatorDescriptor.Moniker(), container.ServiceRegistration{
		Audience: container.AudienceAllClients,
	})
	c.ProfferServiceFactory(CalculatorDescriptor, func(_ context.Context, _ broker.ServiceMoniker, _ *broker.ServiceActivationOptions, _ broker.ServiceBroker) (any, error) {
		return &calculatorService{}, nil
	})

	c.Register(EchoDescriptor.Moniker(), container.ServiceRegistration{
		Audience:          container.AudienceAllClients,
		AllowGuestClients: true,
	})
	c.ProfferServiceFactory(EchoDescriptor, func(_ context.Context, _ broker.ServiceMoniker, _ *broker.ServiceActivationOptions, _ broker.ServiceBroker) (any, error) {
		return &echoService{}, nil
	})
}

type calculatorService struct{}

type binaryOperands struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

func (s *calculatorService) RegisterRPCMethods(conn *rpc.Conn) {
	conn.Handle("add", func(_ context.Context, decode func(any) error) (any, error) {
		var in binaryOperands
		if err := decode(&in); err != nil {
			return nil, err
		}
		return in.A + in.B, nil
	})
	conn.Handle("subtract", func(_ context.Context, decode func(any) error) (any, error) {
		var in binaryOperands
		if err := decode(&in); err != nil {
			return nil, err
		}
		return in.A - in.B, nil
	})
}

type echoService struct{}

func (s *echoService) RegisterRPCMethods(conn *rpc.Conn) {
	conn.Handle("echo", func(_ context.Context, decode func(any) error) (any, error) {
		var in string
		if err := decode(&in); err != nil {
			return nil, err
		}
		return in, nil
	})
	conn.Handle("shout", func(_ context.Context, decode func(any) error) (any, error) {
		var in string
		if err := decode(&in); err != nil {
			return nil, err
		}
		return strings.ToUpper(in), nil
	})
}

var longServe = `
Host the demo service container on a named pipe (Windows) or Unix-domain
socket (elsewhere).

Examples:
  # Host on the configured pipe name
  brokerhub serve

  # Host on a custom pipe for a single consumer
  brokerhub serve --pipe my-pipe --one-client
`
