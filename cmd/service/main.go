package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/billforge/billing-backend/api"
	"github.com/billforge/billing-backend/credits"
	"github.com/billforge/billing-backend/db"
	"github.com/billforge/billing-backend/notifications"
	"github.com/billforge/billing-backend/notifications/smtp"
	"github.com/billforge/billing-backend/notifications/twilio"
	"github.com/billforge/billing-backend/stripe"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	// define flags
	flag.StringP("host", "h", "0.0.0.0", "listen address")
	flag.IntP("port", "p", 8080, "listen port")
	flag.StringP("secret", "s", "", "API secret")
	flag.String("mongo-url", "", "The URL of the MongoDB server")
	flag.String("mongo-db", "billing-backend", "The name of the MongoDB database")
	flag.String("web-app-url", "", "The URL of the web application, used for portal return")
	flag.String("smtp-server", "", "SMTP server for outgoing notifications")
	flag.Int("smtp-port", 587, "SMTP port")
	flag.String("smtp-username", "", "SMTP username")
	flag.String("smtp-password", "", "SMTP password")
	flag.String("email-from-address", "", "notification sender address")
	flag.String("email-from-name", "Billing", "notification sender name")
	flag.String("twilio-account-sid", "", "Twilio account SID for SMS notifications")
	flag.String("twilio-auth-token", "", "Twilio auth token")
	flag.String("twilio-from-number", "", "Twilio sender number")
	// parse flags
	flag.Parse()
	// initialize Viper
	viper.SetEnvPrefix("BILLING")
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		panic(err)
	}
	viper.AutomaticEnv()
	// read the configuration
	host := viper.GetString("host")
	port := viper.GetInt("port")
	secret := viper.GetString("secret")
	if secret == "" {
		log.Fatal().Msg("secret is required")
	}
	mongoURL := viper.GetString("mongo-url")
	mongoDB := viper.GetString("mongo-db")
	// initialize the MongoDB database
	database, err := db.New(mongoURL, mongoDB)
	if err != nil {
		log.Fatal().Err(err).Msg("could not create the MongoDB database")
	}
	defer database.Close()
	// create the stripe configuration from the environment
	stripeConfig, err := stripe.NewConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("could not create the Stripe configuration")
	}
	// create the mail service if SMTP is configured
	var mailService notifications.NotificationService
	if server := viper.GetString("smtp-server"); server != "" {
		email := &smtp.Email{}
		if err := email.New(&smtp.Config{
			FromName:     viper.GetString("email-from-name"),
			FromAddress:  viper.GetString("email-from-address"),
			SMTPUsername: viper.GetString("smtp-username"),
			SMTPPassword: viper.GetString("smtp-password"),
			SMTPServer:   server,
			SMTPPort:     viper.GetInt("smtp-port"),
		}); err != nil {
			log.Fatal().Err(err).Msg("could not create the mail service")
		}
		mailService = email
	} else if sid := viper.GetString("twilio-account-sid"); sid != "" {
		sms := &twilio.SMS{}
		if err := sms.New(&twilio.Config{
			AccountSid: sid,
			AuthToken:  viper.GetString("twilio-auth-token"),
			FromNumber: viper.GetString("twilio-from-number"),
		}); err != nil {
			log.Fatal().Err(err).Msg("could not create the SMS service")
		}
		mailService = sms
	}
	// create the credit ledger service
	creditsService, err := credits.NewService(database)
	if err != nil {
		log.Fatal().Err(err).Msg("could not create the credits service")
	}
	// create the stripe webhook service
	stripeService, err := stripe.NewService(stripeConfig, database, nil, creditsService, mailService)
	if err != nil {
		log.Fatal().Err(err).Msg("could not create the Stripe service")
	}
	// create the local API server
	api.New(&api.Config{
		Host:        host,
		Port:        port,
		Secret:      secret,
		DB:          database,
		Stripe:      stripeService,
		Credits:     creditsService,
		MailService: mailService,
		WebAppURL:   viper.GetString("web-app-url"),
	}).Start()
	// wait forever, as the server is running in a goroutine
	log.Info().Str("host", host).Int("port", port).Msg("server started")
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}
