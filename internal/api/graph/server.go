package graph

import (
	"context"
	"errors"
	"net/http"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/lvdashuaibi/lyricvote/internal/model"
	"github.com/lvdashuaibi/lyricvote/internal/service"
)

// GraphQLServer GraphQL服务
type GraphQLServer struct {
	schema   *graphql.Schema
	handler  *relay.Handler
	resolver *Resolver
	path     string
}

const schemaString = `
type VoteEvent {
  time: String!
  album: String!
  songName: String!
  lyric: String!
  isUpvote: Boolean!
}

type LyricVote {
  album: String!
  songName: String!
  lyric: String!
  # 计数可能超过Int(32位)范围，使用Float
  numUpvotes: Float!
  numDownvotes: Float!
}

type VoteResponse {
  success: Boolean!
  message: String!
  event: VoteEvent
  timestamp: String!
}

type FeedbackResponse {
  success: Boolean!
  message: String!
  timestamp: String!
}

input FeedbackInput {
  album: String!
  song: String!
  lyric: String!
  message: String!
  contact: String
}

type Query {
  # 最近投票，最新在前；不传limit返回全部
  recentVotes(limit: Int): [VoteEvent!]!

  # 查询歌词行票数
  lyricVote(album: String!, songName: String!, lyric: String!): LyricVote!
}

type Mutation {
  upvoteLine(album: String!, songName: String!, line: String!): VoteResponse!
  downvoteLine(album: String!, songName: String!, line: String!): VoteResponse!
  submitFeedback(input: FeedbackInput!): FeedbackResponse!
}

schema {
  query: Query
  mutation: Mutation
}
`

// NewGraphQLServer 创建GraphQL服务
func NewGraphQLServer(feedbackService *service.FeedbackService, path string) *GraphQLServer {
	resolver := NewResolver(feedbackService)

	schema := graphql.MustParseSchema(schemaString, resolver)

	return &GraphQLServer{
		schema:   schema,
		handler:  &relay.Handler{Schema: schema},
		resolver: resolver,
		path:     path,
	}
}

// Handler GraphQL API处理器
func (s *GraphQLServer) Handler() http.Handler {
	return s.handler
}

// Path GraphQL API路径
func (s *GraphQLServer) Path() string {
	return s.path
}

// Exec 直接执行查询，测试使用
func (s *GraphQLServer) Exec(ctx context.Context, query string, variables map[string]interface{}) *graphql.Response {
	return s.schema.Exec(ctx, query, "", variables)
}

// Resolver GraphQL解析器
type Resolver struct {
	feedbackService *service.FeedbackService
}

func NewResolver(feedbackService *service.FeedbackService) *Resolver {
	return &Resolver{feedbackService: feedbackService}
}

func (r *Resolver) RecentVotes(args struct{ Limit *int32 }) []*VoteEventResolver {
	limit := 0
	if args.Limit != nil {
		limit = int(*args.Limit)
		if limit <= 0 {
			return []*VoteEventResolver{}
		}
	}

	events := r.feedbackService.RecentVotes(limit)
	resolvers := make([]*VoteEventResolver, len(events))
	for i := range events {
		resolvers[i] = &VoteEventResolver{event: events[i]}
	}
	return resolvers
}

func (r *Resolver) LyricVote(ctx context.Context, args struct {
	Album    string
	SongName string
	Lyric    string
}) (*LyricVoteResolver, error) {
	vote, err := r.feedbackService.LyricVote(ctx, args.Album, args.SongName, args.Lyric)
	if err != nil {
		return nil, err
	}
	return &LyricVoteResolver{vote: vote}, nil
}

type lineArgs struct {
	Album    string
	SongName string
	Line     string
}

func (r *Resolver) UpvoteLine(ctx context.Context, args lineArgs) (*VoteResponseResolver, error) {
	return voteResult(r.feedbackService.UpvoteLine(ctx, args.Album, args.SongName, args.Line))
}

func (r *Resolver) DownvoteLine(ctx context.Context, args lineArgs) (*VoteResponseResolver, error) {
	return voteResult(r.feedbackService.DownvoteLine(ctx, args.Album, args.SongName, args.Line))
}

// 持久化失败时投票已进入缓存，只通过success=false告知客户端
func voteResult(resp *model.VoteResponse, err error) (*VoteResponseResolver, error) {
	if err != nil && !errors.Is(err, service.ErrStorage) {
		return nil, err
	}
	return &VoteResponseResolver{response: resp}, nil
}

func (r *Resolver) SubmitFeedback(ctx context.Context, args struct{ Input FeedbackInput }) (*FeedbackResponseResolver, error) {
	feedback := model.Feedback{
		Album:   args.Input.Album,
		Song:    args.Input.Song,
		Lyric:   args.Input.Lyric,
		Message: args.Input.Message,
	}
	if args.Input.Contact != nil {
		feedback.Contact = *args.Input.Contact
	}

	resp, err := r.feedbackService.SubmitFeedback(ctx, feedback)
	if err != nil && !errors.Is(err, service.ErrStorage) {
		return nil, err
	}
	return &FeedbackResponseResolver{response: resp}, nil
}

// VoteEventResolver 投票事件解析器
type VoteEventResolver struct {
	event model.VoteEvent
}

func (r *VoteEventResolver) Time() string     { return r.event.Time.Format(time.RFC3339Nano) }
func (r *VoteEventResolver) Album() string    { return r.event.Album }
func (r *VoteEventResolver) SongName() string { return r.event.SongName }
func (r *VoteEventResolver) Lyric() string    { return r.event.Lyric }
func (r *VoteEventResolver) IsUpvote() bool   { return r.event.IsUpvote }

// LyricVoteResolver 歌词票数解析器
type LyricVoteResolver struct {
	vote *model.LyricVote
}

func (r *LyricVoteResolver) Album() string       { return r.vote.Album }
func (r *LyricVoteResolver) SongName() string    { return r.vote.SongName }
func (r *LyricVoteResolver) Lyric() string       { return r.vote.Lyric }
func (r *LyricVoteResolver) NumUpvotes() float64   { return float64(r.vote.NumUpvotes) }
func (r *LyricVoteResolver) NumDownvotes() float64 { return float64(r.vote.NumDownvotes) }

// VoteResponseResolver 投票响应解析器
type VoteResponseResolver struct {
	response *model.VoteResponse
}

func (r *VoteResponseResolver) Success() bool   { return r.response.Success }
func (r *VoteResponseResolver) Message() string { return r.response.Message }

func (r *VoteResponseResolver) Event() *VoteEventResolver {
	if r.response.Event.Time.IsZero() {
		return nil
	}
	return &VoteEventResolver{event: r.response.Event}
}

func (r *VoteResponseResolver) Timestamp() string {
	return r.response.Timestamp.Format(time.RFC3339)
}

// FeedbackResponseResolver 反馈响应解析器
type FeedbackResponseResolver struct {
	response *model.FeedbackResponse
}

func (r *FeedbackResponseResolver) Success() bool   { return r.response.Success }
func (r *FeedbackResponseResolver) Message() string { return r.response.Message }
func (r *FeedbackResponseResolver) Timestamp() string {
	return r.response.Timestamp.Format(time.RFC3339)
}

// FeedbackInput 反馈输入类型
type FeedbackInput struct {
	Album   string
	Song    string
	Lyric   string
	Message string
	Contact *string
}

// PlaygroundHTML GraphQL Playground页面
func PlaygroundHTML(endpoint string) string {
	return `<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>Lyric Vote GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <link rel="shortcut icon" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/favicon.png" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '` + endpoint + `'
      })
    })</script>
</body>
</html>
`
}
