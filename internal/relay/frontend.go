package relay

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
)

//go:embed templates/*.html
var templatesFS embed.FS

// setupTemplates はembedされたHTMLテンプレートをルーターに登録する。
func (s *Server) setupTemplates() {
	tmpl := template.Must(template.ParseFS(templatesFS, "templates/*.html"))
	s.router.SetHTMLTemplate(tmpl)
}

// handleLoginPage はログインページを返すハンドラ。
// セッションが有効な場合はダッシュボードへリダイレクトする。
func (s *Server) handleLoginPage() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.userIDFromSession(c) != "" {
			c.Redirect(http.StatusFound, "/")
			return
		}
		c.HTML(http.StatusOK, "login.html", nil)
	}
}

// handleIndexPage はダッシュボードページを返すハンドラ。
// セッションがない場合はログインページへリダイレクトする。
func (s *Server) handleIndexPage() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := s.userIDFromSession(c)
		if userID == "" {
			c.Redirect(http.StatusFound, "/login")
			return
		}

		user, err := s.queries.GetUserByID(c.Request.Context(), userID)
		if err != nil {
			c.Redirect(http.StatusFound, "/login")
			return
		}
		c.HTML(http.StatusOK, "index.html", gin.H{"Name": user.Name})
	}
}
