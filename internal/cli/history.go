package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/replaysMike/binner-auth/internal/di"
	"github.com/replaysMike/binner-auth/internal/domain"
	"github.com/replaysMike/binner-auth/internal/repository"
)

type historyOptions struct {
	userID     uint
	page       int
	pageSize   int
	failedOnly bool
}

func newLoginHistoryCommand() *cobra.Command {
	opts := &historyOptions{}
	cmd := &cobra.Command{
		Use:   "login-history",
		Short: "List recorded authentication attempts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, rt, err := bootstrap(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Shutdown(ctx)

			svc, cleanup, err := di.InitializeAuthService(ctx, cfg, rt)
			if err != nil {
				return fmt.Errorf("initialize auth service: %w", err)
			}
			defer cleanup()

			page, err := svc.LoginHistory(ctx, opts.query())
			if err != nil {
				return fmt.Errorf("login history: %w", err)
			}
			return renderHistory(cmd.OutOrStdout(), page)
		},
	}
	cmd.Flags().UintVar(&opts.userID, "user-id", 0, "only attempts for this user id")
	cmd.Flags().IntVar(&opts.page, "page", 1, "page number")
	cmd.Flags().IntVar(&opts.pageSize, "page-size", repository.DefaultPageSize, "rows per page")
	cmd.Flags().BoolVar(&opts.failedOnly, "failed-only", false, "only unsuccessful attempts")
	return cmd
}

func (o *historyOptions) query() repository.LoginHistoryQuery {
	q := repository.LoginHistoryQuery{
		PageRequest: repository.PageRequest{Page: o.page, PageSize: o.pageSize},
	}
	if o.userID != 0 {
		id := o.userID
		q.UserID = &id
	}
	if o.failedOnly {
		success := false
		q.Success = &success
	}
	return q
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	failStyle   = cellStyle.Foreground(lipgloss.Color("1"))
)

func renderHistory(w io.Writer, page repository.PageResult[domain.LoginAttempt]) error {
	rows := make([][]string, 0, len(page.Items))
	for _, a := range page.Items {
		user := "-"
		if a.UserID != nil {
			user = strconv.FormatUint(uint64(*a.UserID), 10)
		}
		rows = append(rows, []string{
			a.CreatedAt.UTC().Format(time.RFC3339),
			user,
			a.Email,
			strconv.FormatBool(a.Success),
			a.Message,
			a.IPAddress,
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("TIME", "USER", "EMAIL", "SUCCESS", "MESSAGE", "IP").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row >= 0 && row < len(rows) && rows[row][3] == "false":
				return failStyle
			default:
				return cellStyle
			}
		})
	_, err := fmt.Fprintf(w, "%s\npage %d/%d, %d attempts\n", t.Render(), page.Page, page.TotalPages, page.Total)
	return err
}
