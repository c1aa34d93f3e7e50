package scheduler

import (
	"fmt"
	"time"

	"github.com/slack-go/slack"
)

// WarningBlocks builds the idle-warning card posted after IdleWarnAfter:
// a summary of how long the thread has been quiet plus Keep/Close buttons.
func WarningBlocks(sessionKey, channelID, threadTS string, lastActivity time.Time, hoursIdle int) []slack.Block {
	lastActivityStr := lastActivity.Format("2006-01-02 15:04 UTC")

	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn",
				fmt.Sprintf("This thread has been quiet for about %dh.\nIt will go to sleep if nobody responds — its context stays intact, but the working directory is released.\n\n*Last activity:* %s\n*Channel:* <#%s>",
					hoursIdle, lastActivityStr, channelID),
				false, false),
			nil, nil,
		),
		slack.NewActionBlock(
			"session_cleanup_actions",
			slack.NewButtonBlockElement(
				fmt.Sprintf("session_keep_%s", sessionKey),
				"keep",
				slack.NewTextBlockObject("plain_text", "Keep going", false, false),
			),
			slack.NewButtonBlockElement(
				fmt.Sprintf("session_close_%s", sessionKey),
				"close",
				slack.NewTextBlockObject("plain_text", "Close now", false, false),
			),
		),
	}
}

// KeptBlocks replaces the warning card once "Keep going" is pressed.
func KeptBlocks() []slack.Block {
	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", "Session kept alive. The idle clock has been reset.", false, false),
			nil, nil,
		),
	}
}

// ClosedBlocks replaces the warning card once "Close now" is pressed.
func ClosedBlocks() []slack.Block {
	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", "Session closed. Its context has been deleted.", false, false),
			nil, nil,
		),
	}
}

// ExpiredBlocks replaces the warning card once SleepAfter is reached without
// a response: the session moves MAIN -> SLEEPING rather than being deleted.
func ExpiredBlocks() []slack.Block {
	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", "No response — this session is now sleeping. Send a message in the thread to wake it back up.", false, false),
			nil, nil,
		),
	}
}

// DeletedBlocks replaces a sleeping session's notice once DeleteAfterSleep
// elapses and its context is permanently removed.
func DeletedBlocks() []slack.Block {
	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", "This session has been asleep for a week and its context has now been deleted.", false, false),
			nil, nil,
		),
	}
}
