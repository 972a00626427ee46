// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package media_routers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const publisherHtml = `<!doctype html>
<html>
<head><title>media-bridge publisher</title></head>
<body>
<h3>Publisher</h3>
<p>Session: <code id="sid"></code></p>
<script>
document.getElementById("sid").textContent = location.pathname.split("/")[1];
</script>
</body>
</html>`

const playerHtml = `<!doctype html>
<html>
<head><title>media-bridge player</title></head>
<body>
<h3>Player</h3>
<p>Session: <code id="sid"></code></p>
<audio id="out" autoplay></audio>
<script>
document.getElementById("sid").textContent = location.pathname.split("/")[1];
</script>
</body>
</html>`

func (m *mediaApi) publisherPage(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(publisherHtml))
}

func (m *mediaApi) playerPage(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(playerHtml))
}
