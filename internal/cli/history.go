package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arzzra/telehealth/pkg/chat"
)

// NewHistoryCmd команда вывода истории чата консультации
func NewHistoryCmd(deps *Dependencies) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "history <appointment-id>",
		Short: "Показать историю чата консультации",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := deps.Config.Client
			if token == "" {
				token = cc.Token
			}

			messages, err := chat.NewHTTPHistory(cc.APIURL, token, cc.HTTPTimeout).Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			p := &printer{out: cmd.OutOrStdout()}
			for _, m := range messages {
				p.message(m)
			}
			if len(messages) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "история пуста")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Токен участника, перекрывает client.token")
	return cmd
}
