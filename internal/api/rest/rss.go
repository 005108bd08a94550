package rest

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/lvdashuaibi/lyricvote/config"
	"github.com/lvdashuaibi/lyricvote/internal/model"
)

type rssFeed struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title         string    `xml:"title"`
	Link          string    `xml:"link"`
	Description   string    `xml:"description"`
	LastBuildDate string    `xml:"lastBuildDate,omitempty"`
	Items         []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string  `xml:"title"`
	Description string  `xml:"description"`
	PubDate     string  `xml:"pubDate"`
	GUID        rssGUID `xml:"guid"`
}

type rssGUID struct {
	IsPermaLink bool   `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

// buildFeed 把最近投票转换为RSS 2.0，events为最新在前
func buildFeed(cfg config.FeedConfig, events []model.VoteEvent) rssFeed {
	channel := rssChannel{
		Title:       cfg.Title,
		Link:        cfg.Link,
		Description: cfg.Description,
		Items:       make([]rssItem, 0, len(events)),
	}
	if len(events) > 0 {
		channel.LastBuildDate = events[0].Time.Format(time.RFC1123Z)
	}

	for _, e := range events {
		kind := "Downvote"
		if e.IsUpvote {
			kind = "Upvote"
		}
		channel.Items = append(channel.Items, rssItem{
			Title:       fmt.Sprintf("%s: %q", kind, e.Lyric),
			Description: fmt.Sprintf("%s on %q from %s by %s", kind, e.Lyric, e.SongName, e.Album),
			PubDate:     e.Time.Format(time.RFC1123Z),
			GUID:        rssGUID{Value: eventGUID(e)},
		})
	}

	return rssFeed{Version: "2.0", Channel: channel}
}

func eventGUID(e model.VoteEvent) string {
	h := sha1.New()
	fmt.Fprintf(h, "%d\x00%s\x00%s\x00%s\x00%t", e.Time.UnixNano(), e.Album, e.SongName, e.Lyric, e.IsUpvote)
	return hex.EncodeToString(h.Sum(nil))
}
