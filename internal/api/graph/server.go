package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/lvdashuaibi/pollbot/internal/logger"
	"go.uber.org/zap"
)

// GraphQLServer 管理接口：查询投票与结果、代用户操作投票、查看封禁与缓存状态
type GraphQLServer struct {
	schema   *graphql.Schema
	handler  *relay.Handler
	resolver *Resolver
	path     string
	srv      *http.Server
}

const schemaString = `
type Vote {
  voterId: String!
  displayName: String!
  selected: [String!]!
}

type Poll {
  id: ID!
  messageId: String!
  channelId: String!
  clanId: String!
  creatorId: String!
  creatorName: String!
  title: String!
  options: [String!]!
  mode: String!
  color: String!
  state: String!
  deleted: Boolean!
  createdAt: String!
  expireAt: String!
  votes: [Vote!]!
}

type OptionResult {
  index: Int!
  label: String!
  count: Int!
  voters: [String!]!
}

type PollResult {
  pollId: ID!
  title: String!
  mode: String!
  options: [OptionResult!]!
}

type BanInfo {
  type: String!
  unBanTime: String!
  note: String!
}

type BanStatus {
  isBanned: Boolean!
  banInfo: BanInfo
}

type CacheStats {
  userCacheKeys: Int!
  activeLocks: Int!
}

type PlayDecision {
  allowed: Boolean!
  reason: String!
  retryAfterSeconds: Int!
}

type ActionResponse {
  success: Boolean!
  message: String!
}

type UnbanResponse {
  success: Boolean!
  message: String!
  usernames: [String!]!
}

input CreatePollInput {
  channelId: String!
  clanId: String
  creatorId: String!
  creatorName: String!
  title: String!
  options: [String!]!
  mode: String
  expiryHours: Float
  color: String
  isChannelPublic: Boolean
}

type Query {
  # 按ID查询投票
  poll(id: ID!): Poll

  # 当前聚合结果
  pollResults(id: ID!): PollResult!

  # 用户对某功能的封禁状态
  userBanStatus(userId: String!, type: String!): BanStatus!

  cacheStats: CacheStats!

  # 游戏入口检查：封禁、限流与冷却，允许时会占用一次冷却
  checkPlay(userId: String!, type: String!): PlayDecision!
}

type Mutation {
  createPoll(input: CreatePollInput!): Poll!

  # options 为选项序号，从 0 开始
  vote(pollId: ID!, voterId: String!, displayName: String!, options: [String!]!): Poll!

  cancelPoll(pollId: ID!, requesterId: String!): ActionResponse!

  finishPoll(pollId: ID!, requesterId: String!): ActionResponse!

  unban(usernames: [String!]!, type: String!): UnbanResponse!
}

schema {
  query: Query
  mutation: Mutation
}
`

// NewGraphQLServer 创建GraphQL服务器
func NewGraphQLServer(polls PollAPI, eco EconomyAPI, guard GuardAPI, path string) *GraphQLServer {
	resolver := NewResolver(polls, eco, guard)
	schema := graphql.MustParseSchema(schemaString, resolver)

	if path == "" {
		path = "/graphql"
	}
	return &GraphQLServer{
		schema:   schema,
		handler:  &relay.Handler{Schema: schema},
		resolver: resolver,
		path:     path,
	}
}

// Handler API 与 Playground 路由
func (s *GraphQLServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, s.handler)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(fmt.Sprintf(playgroundHTML, s.path)))
	})
	return mux
}

// Start 启动GraphQL服务器，阻塞直到服务器关闭
func (s *GraphQLServer) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("GraphQL服务已启动",
		zap.String("endpoint", s.path),
		zap.String("playground", "http://localhost"+addr+"/"))

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *GraphQLServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// playgroundHTML GraphQL Playground HTML
const playgroundHTML = `
<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>Pollbot Admin</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '%s'
      })
    })</script>
</body>
</html>
`
