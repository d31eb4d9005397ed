package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/queuemesh/hybridqueue/auth"
	"github.com/queuemesh/hybridqueue/domain"
	"github.com/queuemesh/hybridqueue/store"
)

// newSeedDemoCmd provisions a throwaway shop, queue, and admin account so an
// operator can poke at a fresh sqlite database without writing SQL by hand.
// It folds the teacher's cmd/initdb role into a subcommand rather than a
// second main package.
func newSeedDemoCmd() *cobra.Command {
	var sqlitePath, adminEmail, adminPassword, queueName, jwtSecret string

	cmd := &cobra.Command{
		Use:   "seed-demo",
		Short: "provision a demo shop, queue, and admin account",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			db, err := openStore(ctx, "", sqlitePath)
			if err != nil {
				return err
			}
			defer db.Close()

			shopID := uuid.New()

			q := domain.Queue{
				ID:          uuid.New(),
				ShopID:      shopID,
				Name:        queueName,
				Status:      domain.QueueOpen,
				MaxCapacity: 0,
			}
			if err := db.CreateQueue(ctx, q); err != nil {
				return fmt.Errorf("create queue: %w", err)
			}

			hash, err := auth.HashPassword(adminPassword)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}

			u := store.User{
				ID:           uuid.New(),
				Email:        adminEmail,
				PasswordHash: hash,
				Role:         "admin",
				ShopID:       shopID,
				Active:       true,
			}
			if err := db.CreateUser(ctx, u); err != nil {
				return fmt.Errorf("create admin: %w", err)
			}

			secret := jwtSecret
			if secret == "" {
				secret = env("JWT_SECRET", "demo-insecure-secret-change-me")
			}
			token, err := auth.IssueAccessToken([]byte(secret), u.ID, uuid.New(), u.Role, shopID)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}

			cmd.Println("shop_id:  " + shopID.String())
			cmd.Println("queue_id: " + q.ID.String())
			cmd.Println("admin:    " + adminEmail)
			cmd.Println("token:    " + token)
			cmd.Println("note: token was signed with --jwt-secret (or JWT_SECRET, or a throwaway")
			cmd.Println("default) and must match whatever secret `serve` is started with.")
			return nil
		},
	}

	cmd.Flags().StringVar(&sqlitePath, "sqlite-path", "queuectl.db", "sqlite database path to seed")
	cmd.Flags().StringVar(&adminEmail, "admin-email", "admin@demo.local", "email for the seeded admin account")
	cmd.Flags().StringVar(&adminPassword, "admin-password", "changeme", "password for the seeded admin account")
	cmd.Flags().StringVar(&queueName, "queue-name", "Front Desk", "name for the seeded queue")
	cmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "HMAC secret to sign the printed token with (env JWT_SECRET)")

	return cmd
}
