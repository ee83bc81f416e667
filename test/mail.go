package test

import (
	"context"
	"fmt"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	// MailSMTPPort is the SMTP port used by the mail test container.
	MailSMTPPort = "1025"
	// MailAPIPort is the API port used by the mail test container.
	MailAPIPort = "8025"
)

// StartMailService starts a MailHog container for testing email
// notifications. It returns the container and any error encountered during
// startup.
func StartMailService(ctx context.Context) (testcontainers.Container, error) {
	smtpPort := fmt.Sprintf("%s/tcp", MailSMTPPort)
	apiPort := fmt.Sprintf("%s/tcp", MailAPIPort)
	return testcontainers.GenericContainer(ctx,
		testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "mailhog/mailhog",
				ExposedPorts: []string{smtpPort, apiPort},
				WaitingFor:   wait.ForListeningPort(MailSMTPPort),
			},
			Started: true,
		})
}

// MailSMTPEndpoint returns the host and mapped SMTP port of a running mail
// container.
func MailSMTPEndpoint(ctx context.Context, container testcontainers.Container) (string, int, error) {
	host, err := container.Host(ctx)
	if err != nil {
		return "", 0, err
	}
	port, err := container.MappedPort(ctx, nat.Port(fmt.Sprintf("%s/tcp", MailSMTPPort)))
	if err != nil {
		return "", 0, err
	}
	return host, port.Int(), nil
}

// MailAPIEndpoint returns the base URL of the mail container's HTTP API,
// which exposes the received messages.
func MailAPIEndpoint(ctx context.Context, container testcontainers.Container) (string, error) {
	host, err := container.Host(ctx)
	if err != nil {
		return "", err
	}
	port, err := container.MappedPort(ctx, nat.Port(fmt.Sprintf("%s/tcp", MailAPIPort)))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%d", host, port.Int()), nil
}
