package db

import (
	"context"
	"fmt"
	"io"
	"time"
)

func RecentEventsCLI(dbPath string, limit int, out io.Writer) error {
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	ctx := context.Background()
	events, err := RecentEvents(ctx, dbConn, limit)
	if err != nil {
		return err
	}
	for _, e := range events {
		fmt.Fprintf(out, "%s  %-10s %-5s %-8s %s\n", e.At.Local().Format("2006-01-02 15:04:05"), e.Kind, e.Role, e.Source, e.Detail)
	}

	last, err := LastPhoto(ctx, dbConn)
	if err != nil {
		return err
	}
	if last != nil {
		fmt.Fprintf(out, "\nlast photo: %s (%s, %s)\n", last.Path, last.Trigger, last.At.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func PruneEventsCLI(dbPath string, olderThan time.Duration, out io.Writer) error {
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	n, err := PruneEvents(context.Background(), dbConn, time.Now().Add(-olderThan))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Pruned %d events older than %s\n", n, olderThan)
	return nil
}
