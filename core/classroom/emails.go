package classroom

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"github.com/trezcool/darasa/core"
	"github.com/trezcool/darasa/core/user"
)

// CollectEmails merges the free-text email list (comma, semicolon or newline
// separated) with the first column of an optional CSV file, lowercased and
// deduplicated in first-seen order.
func CollectEmails(emailsText string, csvFile io.Reader) []string {
	var results []string

	if emailsText != "" {
		chunks := strings.NewReplacer(";", ",", "\n", ",").Replace(emailsText)
		for _, chunk := range strings.Split(chunks, ",") {
			if chunk = strings.TrimSpace(chunk); chunk != "" {
				results = append(results, chunk)
			}
		}
	}

	if csvFile != nil {
		reader := csv.NewReader(csvFile)
		reader.FieldsPerRecord = -1
		for {
			row, err := reader.Read()
			if err != nil {
				break
			}
			if len(row) == 0 {
				continue
			}
			email := strings.TrimSpace(row[0])
			if email != "" && !strings.EqualFold(email, "email") {
				results = append(results, email)
			}
		}
	}

	deduped := make([]string, 0, len(results))
	seen := make(map[string]struct{}, len(results))
	for _, email := range results {
		lowered := strings.ToLower(email)
		if _, ok := seen[lowered]; ok {
			continue
		}
		seen[lowered] = struct{}{}
		deduped = append(deduped, lowered)
	}
	return deduped
}

func inviteEmailMessage(teacher user.User, cls Classroom, inv Invitation, rawToken, frontendBaseURL string) *core.EmailMessage {
	inviteLink := fmt.Sprintf("%s/invite/%s", frontendBaseURL, rawToken)
	body := fmt.Sprintf(
		"Hello,\n\n"+
			"%s invited you to join the class '%s'.\n\n"+
			"Join now: %s\n"+
			"This invitation expires at %s (UTC).\n\n"+
			"If you already have an account, log in and you'll be enrolled automatically.",
		teacher.FullName(), cls.Name, inviteLink, inv.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	)
	return &core.EmailMessage{
		To:      []mail.Address{{Address: inv.Email}},
		Subject: "Invitation to join " + cls.Name,
		BodyStr: body,
	}
}
