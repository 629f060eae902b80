// Command promo-seed loads demo products and promotions and registers the
// admin and storefront API keys.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/promotion-engine/internal/domain/audit"
	"github.com/xenking/promotion-engine/internal/domain/auth"
	"github.com/xenking/promotion-engine/internal/domain/product"
	"github.com/xenking/promotion-engine/internal/domain/promotion"
	"github.com/xenking/promotion-engine/internal/repository"
)

const seedActor = "promo-seed"

func main() {
	var (
		databaseURL  string
		productsFile string
		adminKey     string
		checkoutKey  string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "", "JSON array of products; empty seeds the built-in demo catalog")
	flag.StringVar(&adminKey, "admin-key", "", "admin API key to seed (or PROMO_SEED_ADMIN_KEY env)")
	flag.StringVar(&checkoutKey, "checkout-key", "", "storefront API key to seed (or PROMO_SEED_CHECKOUT_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or PROMO_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if adminKey == "" {
		adminKey = os.Getenv("PROMO_SEED_ADMIN_KEY")
	}
	if adminKey == "" {
		slog.Error("admin API key is required: set --admin-key or PROMO_SEED_ADMIN_KEY")
		os.Exit(1)
	}
	if checkoutKey == "" {
		checkoutKey = os.Getenv("PROMO_SEED_CHECKOUT_KEY")
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("PROMO_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, productsFile, adminKey, checkoutKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, productsFile, adminKey, checkoutKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL, 4)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	products, err := loadProducts(productsFile)
	if err != nil {
		return errors.Wrap(err, "load products")
	}
	if err := repository.NewProductRepository(pool).Upsert(ctx, products); err != nil {
		return errors.Wrap(err, "seed products")
	}
	slog.Info("upserted products", slog.Int("count", len(products)))

	recorder := audit.NewRecorder(repository.NewAuditRepository(pool))
	recCtx, stopRecorder := context.WithCancel(context.WithoutCancel(ctx))
	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		_ = recorder.Run(recCtx)
	}()
	defer func() {
		stopRecorder()
		<-recDone
	}()

	catalog := promotion.NewCatalog(repository.NewPromotionRepository(pool), recorder)
	if err := seedPromotions(ctx, catalog, demoPromotions(time.Now().UTC())); err != nil {
		return errors.Wrap(err, "seed promotions")
	}

	keys := repository.NewAPIKeyRepository(pool)
	if err := seedAPIKey(ctx, keys, pepper, adminKey, "admin", "Admin console", auth.ScopeAdmin); err != nil {
		return errors.Wrap(err, "seed admin key")
	}
	if checkoutKey != "" {
		if err := seedAPIKey(ctx, keys, pepper, checkoutKey, "storefront", "Storefront checkout"); err != nil {
			return errors.Wrap(err, "seed checkout key")
		}
	}
	return nil
}

type promotionCreator interface {
	Create(ctx context.Context, actor string, p *promotion.Promotion) (*promotion.Promotion, error)
}

// seedPromotions creates each promotion, leaving existing codes untouched.
func seedPromotions(ctx context.Context, c promotionCreator, promos []*promotion.Promotion) error {
	for _, p := range promos {
		created, err := c.Create(ctx, seedActor, p)
		if errors.Is(err, promotion.ErrCodeTaken) {
			slog.Info("promotion exists, skipping", slog.String("code", p.Code))
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "create %s", p.Code)
		}
		slog.Info("created promotion", slog.String("code", created.Code), slog.String("id", created.ID))
	}
	return nil
}

func seedAPIKey(ctx context.Context, keys *repository.APIKeyRepository, pepper, raw, id, name string, scopes ...string) error {
	if err := keys.Create(ctx, auth.APIKeyInfo{
		ID:      id,
		KeyHash: auth.Hash([]byte(pepper), raw),
		Name:    name,
		Scopes:  scopes,
	}); err != nil {
		return err
	}
	slog.Info("upserted API key", slog.String("id", id), slog.String("name", name))
	return nil
}

func loadProducts(path string) ([]product.Product, error) {
	if path == "" {
		return demoProducts(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read products file")
	}
	return decodeProducts(data)
}

func decodeProducts(data []byte) ([]product.Product, error) {
	var out []product.Product
	err := jx.DecodeBytes(data).Arr(func(d *jx.Decoder) error {
		var p product.Product
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "id":
				p.ID, err = d.Str()
			case "name":
				p.Name, err = d.Str()
			case "price":
				p.Price, err = promotion.DecodeDecimal(d)
			case "category":
				p.Category, err = d.Str()
			default:
				err = d.Skip()
			}
			return err
		}); err != nil {
			return err
		}
		if p.ID == "" {
			return errors.New("product without id")
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "parse products JSON")
	}
	return out, nil
}

func demoProducts() []product.Product {
	return []product.Product{
		{ID: "sku-coffee-beans", Name: "House blend beans 1kg", Price: decimal.NewFromInt(2400), Category: "coffee"},
		{ID: "sku-espresso-cups", Name: "Espresso cups, set of 4", Price: decimal.NewFromInt(1800), Category: "kitchen"},
		{ID: "sku-grinder", Name: "Burr grinder", Price: decimal.NewFromInt(12900), Category: "appliances"},
		{ID: "sku-kettle", Name: "Gooseneck kettle", Price: decimal.NewFromInt(6500), Category: "appliances"},
		{ID: "sku-filter-papers", Name: "Filter papers x100", Price: decimal.NewFromInt(600), Category: "coffee"},
	}
}

func demoPromotions(now time.Time) []*promotion.Promotion {
	ptr := func(v int) *int { return &v }
	dec := func(v int64) *decimal.Decimal { d := decimal.NewFromInt(v); return &d }
	expires := now.AddDate(0, 3, 0)

	vipRule := promotion.Compare("customer.orders", promotion.OpGte, promotion.Int(5))
	return []*promotion.Promotion{
		{
			Code: "WELCOME10", Name: "Welcome 10%", Description: "10% off a first order",
			Type: promotion.DiscountPercentage, Value: decimal.NewFromInt(10), MaxDiscount: dec(5000),
			IsFirstPurchaseOnly: true, IsActive: true,
		},
		{
			Code: "SAVE500", Name: "500 off over 5000", Type: promotion.DiscountFixedAmount,
			Value: decimal.NewFromInt(500), MinOrderAmount: dec(5000), UsageLimit: ptr(1000),
			PerCustomerLimit: ptr(1), ExpiresAt: &expires, IsActive: true,
		},
		{
			Code: "FREESHIP", Name: "Free shipping", Type: promotion.DiscountFreeShipping,
			MinOrderAmount: dec(3000), IsActive: true,
		},
		{
			Code: "BEANS3FOR2", Name: "Beans 3 for 2", Type: promotion.DiscountBuyXGetY, Value: decimal.NewFromInt(1),
			ScopeCategories: []string{"coffee"}, Conditions: promotion.Conditions{BuyQuantity: 2, GetQuantity: 1},
			IsActive: true,
		},
		{
			Code: "GOLD15", Name: "Gold tier 15%", Type: promotion.DiscountPercentage, Value: decimal.NewFromInt(15),
			TierBased: true, Tiers: []string{"gold", "platinum"}, IsActive: true,
		},
		{
			Code: "REGULARS", Name: "Regulars 5%", Type: promotion.DiscountPercentage, Value: decimal.NewFromInt(5),
			Conditions: promotion.Conditions{Rule: &vipRule}, IsActive: true,
		},
	}
}
