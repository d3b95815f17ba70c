package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/f-sync/followsync/internal/clone"
	"github.com/f-sync/followsync/internal/graph"
	"github.com/f-sync/followsync/internal/insights"
	"github.com/f-sync/followsync/internal/profile"
	"github.com/f-sync/followsync/internal/session"
)

type outputFormat string

const (
	outputFormatText outputFormat = "text"
	outputFormatJSON outputFormat = "json"
	outputFormatCSV  outputFormat = "csv"

	csvHeaderIdentifier = "id"
	csvHeaderUsername   = "username"
	csvHeaderName       = "name"
	csvHeaderRelation   = "relation"

	relationFriend  = "friend"
	relationLeader  = "leader"
	relationGroupie = "groupie"

	errMessageOutputFormatFormat = "unknown output format %q"
	errMessageWriteCSV           = "write CSV output"
)

func (format *outputFormat) String() string {
	if *format == "" {
		return string(outputFormatText)
	}
	return string(*format)
}

func (format *outputFormat) Set(value string) error {
	candidate := outputFormat(strings.ToLower(strings.TrimSpace(value)))
	if err := candidate.validate(); err != nil {
		return err
	}
	*format = candidate
	return nil
}

func (format *outputFormat) Type() string {
	return "format"
}

func (format outputFormat) validate() error {
	switch format {
	case "", outputFormatText, outputFormatJSON, outputFormatCSV:
		return nil
	default:
		return fmt.Errorf(errMessageOutputFormatFormat, string(format))
	}
}

// printer renders command results in the selected output format.
type printer struct {
	writer io.Writer
	format outputFormat
}

func (output printer) json(value any) error {
	encoder := json.NewEncoder(output.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func (output printer) csv(header []string, rows [][]string) error {
	csvWriter := csv.NewWriter(output.writer)
	if err := csvWriter.Write(header); err != nil {
		return fmt.Errorf("%s: %w", errMessageWriteCSV, err)
	}
	if err := csvWriter.WriteAll(rows); err != nil {
		return fmt.Errorf("%s: %w", errMessageWriteCSV, err)
	}
	return nil
}

func (output printer) session(snapshot session.Snapshot) error {
	if output.format == outputFormatJSON {
		return output.json(snapshot)
	}
	if snapshot.Profile == nil || snapshot.State != session.StateAuthenticated {
		_, err := fmt.Fprintf(output.writer, "%s\n", snapshot.State)
		return err
	}
	if output.format == outputFormatCSV {
		return output.csv(
			[]string{csvHeaderIdentifier, csvHeaderUsername, csvHeaderName, "email", "profileSetupComplete"},
			[][]string{{
				strconv.FormatInt(snapshot.Profile.ID, 10),
				snapshot.Profile.Username,
				snapshot.Profile.Name,
				snapshot.Profile.Email,
				strconv.FormatBool(snapshot.ProfileSetupComplete),
			}},
		)
	}
	_, err := fmt.Fprintf(output.writer, "%s %s <%s>\nprofile setup complete: %t\n",
		snapshot.State, snapshot.Profile.Public().Label(), snapshot.Profile.Email, snapshot.ProfileSetupComplete)
	return err
}

func (output printer) collection(collection graph.Collection) error {
	switch output.format {
	case outputFormatJSON:
		return output.json(collection)
	case outputFormatCSV:
		return output.csv([]string{csvHeaderIdentifier, csvHeaderUsername, csvHeaderName}, summaryRows(collection.Items, ""))
	}
	for _, item := range collection.Items {
		if _, err := fmt.Fprintf(output.writer, "%d\t%s\n", item.ID, item.Label()); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(output.writer, "page %d of %d, %d total\n", collection.Page, collection.TotalPages, collection.Total)
	return err
}

func (output printer) counts(profileID int64, counts graph.Counts) error {
	switch output.format {
	case outputFormatJSON:
		return output.json(counts)
	case outputFormatCSV:
		return output.csv(
			[]string{csvHeaderIdentifier, "followers", "following"},
			[][]string{{strconv.FormatInt(profileID, 10), strconv.Itoa(counts.FollowersTotal), strconv.Itoa(counts.FollowingTotal)}},
		)
	}
	_, err := fmt.Fprintf(output.writer, "followers: %d\nfollowing: %d\n", counts.FollowersTotal, counts.FollowingTotal)
	return err
}

func (output printer) followState(targetID int64, following bool, followingTotal int) error {
	if output.format == outputFormatJSON {
		return output.json(map[string]any{"targetId": targetID, "following": following, "followingTotal": followingTotal})
	}
	verb := "not following"
	if following {
		verb = "following"
	}
	_, err := fmt.Fprintf(output.writer, "%s #%d (%d total)\n", verb, targetID, followingTotal)
	return err
}

func (output printer) relationships(relationships insights.Relationships) error {
	switch output.format {
	case outputFormatJSON:
		return output.json(relationships)
	case outputFormatCSV:
		rows := summaryRows(relationships.Friends, relationFriend)
		rows = append(rows, summaryRows(relationships.Leaders, relationLeader)...)
		rows = append(rows, summaryRows(relationships.Groupies, relationGroupie)...)
		return output.csv([]string{csvHeaderIdentifier, csvHeaderUsername, csvHeaderName, csvHeaderRelation}, rows)
	}
	sections := []struct {
		title   string
		members []profile.Summary
	}{
		{title: "friends", members: relationships.Friends},
		{title: "leaders", members: relationships.Leaders},
		{title: "groupies", members: relationships.Groupies},
	}
	for _, section := range sections {
		if _, err := fmt.Fprintf(output.writer, "%s (%d)\n", section.title, len(section.members)); err != nil {
			return err
		}
		for _, member := range section.members {
			if _, err := fmt.Fprintf(output.writer, "  %d\t%s\n", member.ID, member.Label()); err != nil {
				return err
			}
		}
	}
	if !relationships.Complete {
		_, err := fmt.Fprintln(output.writer, "partial: page limit reached")
		return err
	}
	return nil
}

func (output printer) cloneResult(result clone.Result) error {
	if output.format == outputFormatJSON {
		return output.json(result)
	}
	if output.format == outputFormatCSV {
		rows := make([][]string, 0, len(result.Errors))
		for _, targetError := range result.Errors {
			rows = append(rows, []string{strconv.FormatInt(targetError.TargetID, 10), targetError.Message})
		}
		return output.csv([]string{csvHeaderIdentifier, "error"}, rows)
	}
	_, err := fmt.Fprintf(output.writer, "planned %d, followed %d, skipped %d, failed %d\n",
		result.Planned, result.Followed, result.Skipped, result.Failed)
	if err != nil {
		return err
	}
	for _, targetError := range result.Errors {
		if _, err := fmt.Fprintf(output.writer, "  #%d: %s\n", targetError.TargetID, targetError.Message); err != nil {
			return err
		}
	}
	return nil
}

func summaryRows(summaries []profile.Summary, relation string) [][]string {
	rows := make([][]string, 0, len(summaries))
	for _, summary := range summaries {
		row := []string{strconv.FormatInt(summary.ID, 10), summary.Username, summary.Name}
		if relation != "" {
			row = append(row, relation)
		}
		rows = append(rows, row)
	}
	return rows
}
