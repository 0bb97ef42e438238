package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/flowdash-app/flowdash-backend/internal/models"
	"github.com/flowdash-app/flowdash-backend/internal/quota"
	"gorm.io/gorm"
)

// MaxTesters caps the number of accounts that bypass quotas
const MaxTesters = 100

var errConfirmationRequired = errors.New("refusing to reset without --confirm (use --dry-run to preview)")

type admin struct {
	db   *gorm.DB
	acct *quota.Accountant
	out  io.Writer
	now  func() time.Time
}

type resetOptions struct {
	UserID    string
	QuotaType string
	Date      string
	DryRun    bool
	Confirm   bool
}

func (a *admin) reset(ctx context.Context, opts resetOptions) error {
	if opts.UserID == "" {
		return errors.New("--user is required")
	}
	var qt *quota.QuotaType
	if opts.QuotaType != "" {
		parsed, err := quota.ParseQuotaType(opts.QuotaType)
		if err != nil {
			return err
		}
		qt = &parsed
	}
	day := a.now().UTC()
	if opts.Date != "" {
		parsed, err := time.Parse(time.DateOnly, opts.Date)
		if err != nil {
			return fmt.Errorf("invalid --date %q, use YYYY-MM-DD", opts.Date)
		}
		day = parsed
	}

	action := fmt.Sprintf("reset quotas for %s on %s", opts.UserID, quota.DateKey(day))
	if qt != nil {
		action = fmt.Sprintf("reset %s quota for %s on %s", *qt, opts.UserID, quota.DateKey(day))
	}

	if opts.DryRun {
		rows, err := a.counterRows(ctx, opts.UserID, qt, day)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Dry run: would %s\n", action)
		if len(rows) == 0 {
			fmt.Fprintln(a.out, "No quota rows would be affected")
			return nil
		}
		fmt.Fprintf(a.out, "Found %d quota rows that would be reset:\n", len(rows))
		for _, r := range rows {
			fmt.Fprintf(a.out, "  - type: %s, count: %d, date: %s\n", r.QuotaType, r.Count, r.QuotaDate)
		}
		return nil
	}
	if !opts.Confirm {
		return errConfirmationRequired
	}

	n, err := a.acct.Reset(ctx, opts.UserID, qt, &day)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Reset %d quota rows for %s\n", n, opts.UserID)
	return nil
}

func (a *admin) counterRows(ctx context.Context, userID string, qt *quota.QuotaType, day time.Time) ([]models.QuotaCounter, error) {
	q := a.db.WithContext(ctx).Where("user_id = ? AND quota_date = ?", userID, quota.DateKey(day))
	if qt != nil {
		q = q.Where("quota_type = ?", string(*qt))
	}
	var rows []models.QuotaCounter
	if err := q.Order("quota_type").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list quota rows: %w", err)
	}
	return rows, nil
}

func (a *admin) status(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("--user is required")
	}
	st, err := a.acct.Status(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "User %s on %s plan (%s)", st.UserID, st.PlanName, st.Date)
	if st.IsTester {
		fmt.Fprint(a.out, ", tester")
	}
	fmt.Fprintln(a.out)

	types := make([]string, 0, len(st.Quotas))
	for qt := range st.Quotas {
		types = append(types, string(qt))
	}
	sort.Strings(types)
	for _, t := range types {
		u := st.Quotas[quota.QuotaType(t)]
		if u.Unlimited {
			fmt.Fprintf(a.out, "  %-12s %d used, unlimited\n", t, u.Used)
			continue
		}
		fmt.Fprintf(a.out, "  %-12s %d/%d used, %d remaining\n", t, u.Used, u.Limit, u.Remaining)
	}
	return nil
}

type testerOptions struct {
	UserID string
	Set    bool
	Remove bool
	List   bool
}

func (a *admin) tester(ctx context.Context, opts testerOptions) error {
	db := a.db.WithContext(ctx)
	if opts.List {
		var testers []models.User
		if err := db.Where("is_tester = ?", true).Order("id").Find(&testers).Error; err != nil {
			return fmt.Errorf("failed to list testers: %w", err)
		}
		if len(testers) == 0 {
			fmt.Fprintln(a.out, "No testers found")
			return nil
		}
		fmt.Fprintf(a.out, "Found %d testers:\n", len(testers))
		for _, u := range testers {
			fmt.Fprintf(a.out, "  - %s (ID: %s, Plan: %s)\n", u.Email, u.ID, u.PlanTier)
		}
		return nil
	}

	if opts.UserID == "" {
		return errors.New("--user is required")
	}
	var user models.User
	if err := db.First(&user, "id = ?", opts.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("user not found: %s", opts.UserID)
		}
		return fmt.Errorf("failed to load user %s: %w", opts.UserID, err)
	}

	switch {
	case opts.Set && user.IsTester:
		fmt.Fprintf(a.out, "User %s is already a tester\n", user.ID)
	case opts.Set:
		var count int64
		if err := db.Model(&models.User{}).Where("is_tester = ?", true).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to count testers: %w", err)
		}
		if count >= MaxTesters {
			return fmt.Errorf("tester limit reached (%d)", MaxTesters)
		}
		if err := db.Model(&user).Update("is_tester", true).Error; err != nil {
			return fmt.Errorf("failed to set tester status: %w", err)
		}
		fmt.Fprintf(a.out, "Set tester status for %s\n", user.ID)
	case opts.Remove && !user.IsTester:
		fmt.Fprintf(a.out, "User %s is not a tester\n", user.ID)
	case opts.Remove:
		if err := db.Model(&user).Update("is_tester", false).Error; err != nil {
			return fmt.Errorf("failed to remove tester status: %w", err)
		}
		fmt.Fprintf(a.out, "Removed tester status for %s\n", user.ID)
	default:
		state := "not a tester"
		if user.IsTester {
			state = "a tester"
		}
		fmt.Fprintf(a.out, "User %s is %s\n", user.ID, state)
	}
	return nil
}
