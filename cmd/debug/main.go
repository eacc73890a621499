package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/joho/godotenv"

	"mailsync/internal/config"
	"mailsync/internal/database"
	"mailsync/internal/models"
	"mailsync/internal/secret"
	"mailsync/internal/store"
)

func main() {
	fix := flag.Bool("fix", false, "re-enable accounts whose credentials decrypt but are marked invalid")
	flag.Parse()

	// 加载环境变量 - 优先加载.env.local，然后是.env
	if err := godotenv.Load(".env.local"); err != nil {
		if err := godotenv.Load(".env"); err != nil {
			log.Println("Warning: No .env file found, using system environment variables")
		}
	}

	cfg := config.Load()
	fmt.Printf("🔧 配置信息:\n")
	fmt.Printf("   Database Path: %s\n", cfg.Database.Path)
	fmt.Printf("   Secret Key: %t\n", cfg.Secret.Key != "")
	fmt.Printf("   Poll/Refresh: %s / %s\n", cfg.Sync.PollFrequency, cfg.Sync.RefreshFrequency)
	fmt.Printf("   Pool Size: %d\n", cfg.Sync.PoolSize)
	fmt.Println()

	db, err := database.Open(database.Options{Path: cfg.Database.Path, UsePureGo: cfg.Database.PureGo})
	if err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}
	defer database.Close(db)

	var box *secret.Box
	if cfg.Secret.Key != "" {
		if box, err = secret.NewBox(cfg.Secret.Key); err != nil {
			log.Fatalf("❌ SECRET_KEY无效: %v", err)
		}
	}

	ctx := context.Background()
	st := store.New(db)
	accounts, err := st.ListAccounts(ctx)
	if err != nil {
		log.Fatalf("❌ Failed to query accounts: %v", err)
	}

	fmt.Printf("📊 账户数量: %d\n", len(accounts))
	for i := range accounts {
		account := &accounts[i]
		fmt.Printf("\n📬 %s (ID: %d, %s, %s:%d)\n", account.Email, account.ID, account.Provider, account.IMAPHost, account.IMAPPort)
		fmt.Printf("   同步: enabled=%t state=%s throttled=%t\n", account.SyncEnabled, account.SyncState, account.Throttled)
		if account.SyncError != "" {
			fmt.Printf("   ⚠️  最近错误: %s\n", account.SyncError)
		}

		credOK := checkCredentials(box, account)
		if *fix && credOK && account.SyncState == models.SyncStateInvalid {
			if err := st.SetSyncEnabled(ctx, account.ID, true); err != nil {
				log.Printf("❌ Failed to re-enable account %d: %v", account.ID, err)
			} else {
				fmt.Println("   ✅ 已清除invalid状态")
			}
		}

		statuses, err := st.FolderStatuses(ctx, account.ID)
		if err != nil {
			log.Printf("❌ Failed to query folder statuses: %v", err)
			continue
		}
		for _, s := range statuses {
			name := "?"
			if s.Folder != nil {
				name = s.Folder.Name
			}
			fmt.Printf("   📁 %-24s %-18s remote=%d downloaded=%d\n", name, s.State, s.RemoteUIDCount, s.DownloadUIDCount)
		}
	}

	fmt.Println("\n🚀 诊断完成")
}

// checkCredentials 检查账户凭据能否用当前SECRET_KEY解密
func checkCredentials(box *secret.Box, account *models.Account) bool {
	sealed := account.PasswordCipher
	if account.AuthMethod == models.AuthMethodOAuth2 {
		sealed = account.RefreshTokenCipher
	}
	if len(sealed) == 0 {
		fmt.Println("   ❌ 没有保存凭据")
		return false
	}
	if box == nil {
		fmt.Println("   ⚠️  未设置SECRET_KEY，无法检查凭据")
		return false
	}
	if _, err := box.Open(sealed); err != nil {
		fmt.Printf("   ❌ 凭据解密失败: %v\n", err)
		return false
	}
	fmt.Println("   🔐 凭据解密成功")
	return true
}
