package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/arzzra/telehealth/pkg/relay"
)

// NewTokenCmd команда выпуска токена участника
func NewTokenCmd(deps *Dependencies) *cobra.Command {
	var (
		userID string
		name   string
		role   string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Выпустить токен участника консультации",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := deps.Config.Relay.JWTSecret
			if secret == "" {
				return errors.New("relay.jwt_secret не задан")
			}
			if role != "patient" && role != "doctor" {
				return fmt.Errorf("роль должна быть patient или doctor, получено %q", role)
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = deps.Config.Relay.TokenTTL
			}

			token, err := relay.NewTokenIssuer(secret, ttl).Issue(relay.Identity{
				UserID: userID,
				Name:   name,
				Role:   role,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "Идентификатор участника")
	cmd.Flags().StringVar(&name, "name", "", "Отображаемое имя")
	cmd.Flags().StringVar(&role, "role", "patient", "Роль: patient или doctor")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Срок действия, по умолчанию relay.token_ttl")
	_ = cmd.MarkFlagRequired("user-id")

	return cmd
}
